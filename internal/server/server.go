package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"file-relay/internal/keys"
	"file-relay/internal/metrics"
	"file-relay/internal/store"
	"file-relay/internal/transfer"
)

type Config struct {
	Addr           string // e.g. ":8080"
	APIKey         string
	DataDir        string
	MaxUploadBytes int64 // 0 = no limit
	Capacity       int
	RateLimitRPS   float64 // 0 disables rate limiting
	RateLimitBurst int
	Version        string
}

// Deps are the collaborators the handlers run against.
type Deps struct {
	Store    store.Store
	Registry *keys.Registry
	Pipeline *transfer.Pipeline
	Metrics  *metrics.RelayMetrics
	Breaker  *store.CircuitBreaker // optional; reported by /health
}

type Server struct {
	httpServer *http.Server
	cfg        Config

	store    store.Store
	registry *keys.Registry
	monitor  keys.Monitor
	pipeline *transfer.Pipeline
	metrics  *metrics.RelayMetrics
	breaker  *store.CircuitBreaker
	started  time.Time
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Capacity <= 0 {
		cfg.Capacity = keys.DefaultCeiling
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		monitor:  keys.Monitor{Registry: deps.Registry, Ceiling: cfg.Capacity},
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		breaker:  deps.Breaker,
		started:  time.Now(),
	}

	mux := http.NewServeMux()

	// Relay API
	mux.Handle("/valid", s.validHandler())
	mux.Handle("/download", s.downloadHandler())
	mux.Handle("/upload", s.uploadHandler())
	mux.Handle("/status", s.statusHandler())

	// Operations
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.HandleFunc("/live", s.HandleLive)
	mux.Handle("/metrics", s.metrics.Handler())

	// Wrap middleware: requestID -> logging -> security headers -> rate limit -> mux
	var handler http.Handler = mux
	if cfg.RateLimitRPS > 0 {
		handler = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the configured address. A bind failure is returned so the
// caller can treat it as fatal before serving.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.httpServer.Addr)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, then waits for in-flight upload
// finalisation to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.pipeline == nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
