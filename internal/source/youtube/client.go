// Package youtube fetches view counts from the YouTube Data API v3.
//
// The client bounds concurrency with a fixed semaphore, rate-limits
// outbound calls, retries transient failures with jittered backoff and
// trips a consecutive-failure breaker so a dead upstream is not hammered
// by every sweep. A failed fetch is always an error, never a zero count.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	logx "trackbot/pkg/logx"

	"golang.org/x/time/rate"
)

const defaultEndpoint = "https://www.googleapis.com/youtube/v3"

var (
	// ErrNotFound: the API answered but knows no such video (deleted,
	// private, or a bad id). Not retryable.
	ErrNotFound = errors.New("video not found")
	// ErrCooldown: the breaker is open; the caller should skip this
	// cycle and let the next one probe again.
	ErrCooldown = errors.New("metrics source in cooldown")
)

// StatusError is a non-200 API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("youtube api status %d: %s", e.Code, e.Body)
}

// Config controls the client. Zero values take documented defaults.
type Config struct {
	APIKey   string
	Endpoint string // default: googleapis; tests point this at a local server

	Timeout    time.Duration // per-request, default 10s
	Concurrent int           // in-flight fetch bound, default 5
	RetryMax   int           // attempts per fetch, default 3
	RetryBase  time.Duration // backoff base, default 1s
	RatePerSec int           // token bucket rate, default 8

	BreakerThreshold int           // consecutive failures before cooldown, default 10
	BreakerCooldown  time.Duration // base cooldown, default 2m
}

type Client struct {
	http     *http.Client
	endpoint string
	apiKey   string

	sem     chan struct{}
	limiter *rate.Limiter
	breaker *breaker

	retryMax  int
	retryBase time.Duration

	log logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	concurrent := cfg.Concurrent
	if concurrent <= 0 {
		concurrent = 5
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 8
	}
	thr := cfg.BreakerThreshold
	if thr <= 0 {
		thr = 10
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}

	return &Client{
		http:      &http.Client{Timeout: timeout},
		endpoint:  endpoint,
		apiKey:    cfg.APIKey,
		sem:       make(chan struct{}, concurrent),
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		breaker:   newBreaker(thr, cooldown, 16*cooldown, 5*time.Minute),
		retryMax:  retryMax,
		retryBase: retryBase,
		log:       log.With(logx.String("source", "youtube")),
	}
}

// FetchViews returns the current view count for one video id.
func (c *Client) FetchViews(ctx context.Context, videoID string) (int64, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return 0, errors.New("empty video id")
	}
	now := time.Now()
	if open, until := c.breaker.open(now); open {
		c.log.Debug("fetch skipped, breaker open",
			logx.String("video", videoID), logx.Time("until", until))
		return 0, ErrCooldown
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-c.sem }()

	var lastErr error
	for attempt := 0; attempt < c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(c.retryBase, attempt, lastErr)):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		views, err := c.fetchOnce(ctx, videoID)
		if err == nil {
			c.breaker.record(time.Now(), nil)
			return views, nil
		}
		if errors.Is(err, ErrNotFound) {
			// A definitive answer: the upstream is healthy.
			c.breaker.record(time.Now(), nil)
			return 0, err
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		c.log.Debug("fetch attempt failed",
			logx.String("video", videoID), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	c.breaker.record(time.Now(), lastErr)
	return 0, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, videoID string) (int64, error) {
	q := url.Values{}
	q.Set("part", "statistics")
	q.Set("id", videoID)
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	u := c.endpoint + "/videos?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{Code: resp.StatusCode, Body: truncate(body, 200)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if d := retryAfter(resp.Header); d > 0 {
				return 0, &rateLimitedError{err: serr, after: d}
			}
		}
		return 0, serr
	}

	var out struct {
		Items []struct {
			Statistics struct {
				ViewCount string `json:"viewCount"`
			} `json:"statistics"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Items) == 0 {
		return 0, ErrNotFound
	}
	raw := out.Items[0].Statistics.ViewCount
	if raw == "" {
		return 0, fmt.Errorf("view count hidden for %s", videoID)
	}
	views, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse view count %q: %w", raw, err)
	}
	if views < 0 {
		return 0, fmt.Errorf("negative view count %d", views)
	}
	return views, nil
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e *rateLimitedError) Error() string { return e.err.Error() }
func (e *rateLimitedError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code == http.StatusTooManyRequests || serr.Code >= 500
	}
	// Transport and decode failures are worth another attempt.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func backoff(base time.Duration, attempt int, lastErr error) time.Duration {
	var rl *rateLimitedError
	if errors.As(lastErr, &rl) && rl.after > 0 {
		d := rl.after
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 15*time.Second {
			d = 15 * time.Second
			break
		}
	}
	// 20% jitter to keep concurrent retries from aligning.
	r := (rand.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}

func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
