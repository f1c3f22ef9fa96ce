package exporter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	logx "jobclock/pkg/logx"
)

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "jobclock", Name: "jobs_armed"})
	reg.MustRegister(g)
	g.Set(4)

	healthy := true
	s := New(Config{Path: "stats"}, reg, func() bool { return healthy }, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := get(t, srv.URL+"/stats", http.StatusOK)
	if !strings.Contains(body, "jobclock_jobs_armed 4") {
		t.Fatalf("metric missing from body:\n%s", body)
	}
	get(t, srv.URL+"/healthz", http.StatusOK)
	healthy = false
	get(t, srv.URL+"/healthz", http.StatusServiceUnavailable)
}

func get(t *testing.T, url string, want int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	return string(b)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9464", true},
		{"localhost:9464", true},
		{"[::1]:9464", true},
		{":9464", false},
		{"0.0.0.0:9464", false},
		{"10.0.0.5:9464", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.addr, func(t *testing.T) {
			t.Parallel()
			if got := isLoopbackAddr(tt.addr); got != tt.want {
				t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	base := Config{Enabled: true, Addr: "127.0.0.1:9464"}
	if needsRestart(base, base) {
		t.Fatalf("identical config restarts")
	}
	moved := base
	moved.Addr = "127.0.0.1:9500"
	if !needsRestart(base, moved) {
		t.Fatalf("addr change must restart")
	}
	samePath := base
	samePath.Path = "/metrics"
	if needsRestart(base, samePath) {
		t.Fatalf("default path spelled out must not restart")
	}
}
