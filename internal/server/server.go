// Package server exposes the Alertmanager webhook receiver over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"alertrelay/internal/alert"
	"alertrelay/internal/delivery"
	logx "alertrelay/pkg/logx"
)

// Processor handles one decoded webhook batch.
type Processor interface {
	Process(ctx context.Context, events []alert.Event) delivery.Result
}

// Pinger reports readiness of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	Pprof           bool
}

const (
	DefaultAddr         = ":9087"
	DefaultMaxBodyBytes = 1 << 20
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// Process joins every send before replying, so writes wait on Telegram.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return c
}

type Server struct {
	cfg   Config
	proc  Processor
	ready Pinger
	log   logx.Logger
	mux   http.Handler
}

// New builds the router. ready may be nil, in which case /readyz always succeeds.
func New(cfg Config, proc Processor, ready Pinger, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), proc: proc, ready: ready, log: log}
	s.mux = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ShutdownTimeout is how long Serve waits for open requests when stopping.
func (s *Server) ShutdownTimeout() time.Duration { return s.cfg.ShutdownTimeout }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(s.limitBody)
		r.Post("/alert", s.handleWebhook)
		r.Post("/api/v1/alerts", s.handleWebhook)
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("webhook listener started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// In-flight batches run detached from the request, so give them time to commit.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	<-errCh
	s.log.Info("webhook listener stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}
