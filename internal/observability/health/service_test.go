package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"trackbot/internal/observability/metrics"
	logx "trackbot/pkg/logx"
)

func startServer(t *testing.T, cfg Config) (*Service, string) {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, "test", logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not bind within deadline")
	return nil, ""
}

func TestHealthzServesStatus(t *testing.T) {
	_, addr := startServer(t, Config{})

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	var st healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if st.Status != "ok" {
		t.Fatalf("status = %q, want ok", st.Status)
	}
	if st.Version != "test" {
		t.Fatalf("version = %q, want test", st.Version)
	}
	if st.Started.IsZero() {
		t.Fatalf("started is zero")
	}
}

func TestMetricsEndpointExposesInstruments(t *testing.T) {
	metrics.SetBuildInfo("test", "none", "unknown")
	_, addr := startServer(t, Config{})

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "trackbot_build_info") {
		t.Fatalf("metrics output missing trackbot_build_info")
	}
}

func TestMetricsRequiresTokenWhenSet(t *testing.T) {
	_, addr := startServer(t, Config{Token: "sekrit"})

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated metrics status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get metrics with token: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authenticated metrics status = %d, want 200", resp2.StatusCode)
	}

	// Liveness never needs the token.
	resp3, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("healthz with token set status = %d, want 200", resp3.StatusCode)
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	_, addr := startServer(t, Config{})

	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get pprof: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof status = %d, want 404", resp.StatusCode)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8090", true},
		{"localhost:8090", true},
		{"[::1]:8090", true},
		{":8090", false},
		{"0.0.0.0:8090", false},
		{"192.168.1.10:8090", false},
		{"not-an-addr", false},
	}
	for _, c := range cases {
		if got := isLoopbackAddr(c.addr); got != c.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestNeedsRestart(t *testing.T) {
	base := Config{Addr: "127.0.0.1:8090"}
	if needsRestart(base, base) {
		t.Fatalf("identical configs should not restart")
	}
	if !needsRestart(base, Config{Addr: "127.0.0.1:9000"}) {
		t.Fatalf("addr change should restart")
	}
	if !needsRestart(base, Config{Addr: base.Addr, Pprof: true}) {
		t.Fatalf("pprof toggle should restart")
	}
	if !needsRestart(base, Config{Addr: base.Addr, Token: "t"}) {
		t.Fatalf("token change should restart")
	}
}
