package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	logx "trackbot/pkg/logx"
)

func testClient(t *testing.T, handler http.Handler, mut func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		APIKey:    "test-key",
		Endpoint:  srv.URL,
		Timeout:   2 * time.Second,
		RetryMax:  3,
		RetryBase: time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	return NewClient(cfg, logx.Nop())
}

func TestFetchViews(t *testing.T) {
	var gotPath, gotID, gotKey atomic.Value
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotID.Store(r.URL.Query().Get("id"))
		gotKey.Store(r.URL.Query().Get("key"))
		fmt.Fprint(w, `{"items":[{"statistics":{"viewCount":"12010000"}}]}`)
	}), nil)

	views, err := c.FetchViews(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("FetchViews: %v", err)
	}
	if views != 12010000 {
		t.Fatalf("views = %d, want 12010000", views)
	}
	if gotPath.Load() != "/videos" {
		t.Fatalf("path = %v", gotPath.Load())
	}
	if gotID.Load() != "dQw4w9WgXcQ" || gotKey.Load() != "test-key" {
		t.Fatalf("query = id:%v key:%v", gotID.Load(), gotKey.Load())
	}
}

func TestFetchViewsRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"items":[{"statistics":{"viewCount":"42"}}]}`)
	}), nil)

	views, err := c.FetchViews(context.Background(), "abc")
	if err != nil {
		t.Fatalf("FetchViews after retries: %v", err)
	}
	if views != 42 {
		t.Fatalf("views = %d", views)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestFetchViewsGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), nil)

	_, err := c.FetchViews(context.Background(), "abc")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want StatusError 502", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestFetchViewsNotFound(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"items":[]}`)
	}), nil)

	_, err := c.FetchViews(context.Background(), "deleted")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("not-found should not retry, calls = %d", got)
	}
}

func TestFetchViewsClientErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}), nil)

	_, err := c.FetchViews(context.Background(), "abc")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want StatusError 403", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("403 should not retry, calls = %d", got)
	}
}

func TestFetchViewsHiddenCount(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"statistics":{}}]}`)
	}), nil)

	_, err := c.FetchViews(context.Background(), "abc")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want hidden-count error", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), func(cfg *Config) {
		cfg.RetryMax = 1
		cfg.BreakerThreshold = 3
		cfg.BreakerCooldown = time.Minute
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchViews(ctx, "abc"); err == nil {
			t.Fatalf("fetch #%d unexpectedly succeeded", i)
		}
	}
	before := calls.Load()
	if _, err := c.FetchViews(ctx, "abc"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("err = %v, want ErrCooldown", err)
	}
	if calls.Load() != before {
		t.Fatalf("open breaker still reached the server")
	}
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	now := time.Now()
	b := newBreaker(2, time.Minute, 16*time.Minute, time.Hour)

	b.record(now, errors.New("boom"))
	b.record(now, errors.New("boom"))
	if open, _ := b.open(now); !open {
		t.Fatal("breaker should be open after trip")
	}
	// Cooldown elapses, a probe succeeds, circuit closes fully.
	later := now.Add(2 * time.Minute)
	if open, _ := b.open(later); open {
		t.Fatal("breaker should allow a probe after cooldown")
	}
	b.record(later, nil)
	b.record(later, errors.New("boom"))
	if open, _ := b.open(later); open {
		t.Fatal("one failure after reset must not re-trip")
	}
}
