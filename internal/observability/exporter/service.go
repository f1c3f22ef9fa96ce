// Package exporter serves Prometheus metrics and a liveness probe over HTTP.
package exporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "jobclock/internal/runtime/supervisor"
	logx "jobclock/pkg/logx"
)

const (
	defaultAddr = "127.0.0.1:9464"
	defaultPath = "/metrics"
)

// Config controls the metrics HTTP server.
//
// Binding to a non-loopback address requires AllowPublic.
type Config struct {
	Enabled     bool
	Addr        string
	Path        string
	AllowPublic bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	gatherer prometheus.Gatherer
	healthy  func() bool

	srv *http.Server
	sup *rtsup.Supervisor
}

// New builds the exporter. healthy backs /healthz and may be nil.
func New(cfg Config, g prometheus.Gatherer, healthy func() bool, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Service{cfg: cfg, log: log, gatherer: g, healthy: healthy}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		normalizePath(a.Path) != normalizePath(b.Path) ||
		a.AllowPublic != b.AllowPublic ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Start is idempotent. The server runs under a restart loop and never
// cancels the caller's supervisor.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("metrics exporter stop timed out", logx.Err(err))
		return
	}
	s.log.Info("metrics exporter stopped")
}

// Handler is the exporter's mux, also used directly by tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	path := normalizePath(s.cfg.Path)
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:      promLogger{s.log},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.healthy != nil && !s.healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowPublic && !isLoopbackAddr(addr) {
		s.log.Error("metrics exporter refused to start: non-loopback addr requires allow_public", logx.String("addr", addr))
		return errors.New("metrics exporter refused to start: public bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics exporter started", logx.String("addr", ln.Addr().String()), logx.String("path", normalizePath(cur.Path)))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// promLogger adapts logx to promhttp's Println-style error log.
type promLogger struct{ log logx.Logger }

func (l promLogger) Println(v ...any) {
	l.log.Warn("metrics gather error", logx.Any("err", v))
}
