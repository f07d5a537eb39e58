// Package server exposes the HTTP surface: the EventSub webhook, liveness and
// readiness probes, Prometheus metrics and the channel admin API. Every request gets
// a correlation id that downstream logs and spans carry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/lifecycle"
	"github.com/onnwee/stitch/streams"
)

// Deliverer applies authenticated deliveries; *lifecycle.Engine implements it.
type Deliverer interface {
	Handle(ctx context.Context, in lifecycle.Input) (*lifecycle.Receipt, error)
}

// Channels manages tracked channels; *registry.Registry implements it.
type Channels interface {
	Track(ctx context.Context, login string) (*streams.Channel, error)
	Untrack(ctx context.Context, login string) (*streams.Channel, error)
	List(ctx context.Context) ([]streams.Channel, error)
	Events(ctx context.Context, login string, limit int) (*streams.Channel, []streams.ChannelEvent, error)
}

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the router to the rest of the service.
type Options struct {
	Verifier *eventsub.Verifier
	Engine   Deliverer
	Channels Channels
	DB       Pinger
	// Ready lists readiness checks beyond the database ping.
	Ready []Check

	WebhookTimeout time.Duration
	Admin          AdminAuth
	// AdminRateLimit requests per AdminRateWindow per client IP; zero disables limiting.
	AdminRateLimit  int
	AdminRateWindow time.Duration
}

type handlers struct {
	verifier *eventsub.Verifier
	engine   Deliverer
	channels Channels
	db       Pinger
	ready    []Check
	timeout  time.Duration
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(opts Options) http.Handler {
	h := &handlers{
		verifier: opts.Verifier,
		engine:   opts.Engine,
		channels: opts.Channels,
		db:       opts.DB,
		ready:    opts.Ready,
		timeout:  opts.WebhookTimeout,
	}
	if !opts.Admin.enabled() {
		slog.Warn("admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production", slog.String("component", "http"))
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(withCorrelation)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/twitch", h.webhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminRateLimit(opts.AdminRateLimit, opts.AdminRateWindow))
		r.Use(adminAuth(opts.Admin))
		r.Get("/channels", h.listChannels)
		r.Post("/channels", h.trackChannel)
		r.Delete("/channels/{login}", h.untrackChannel)
		r.Get("/channels/{login}/events", h.channelEvents)
	})
	return r
}

// Service runs an *http.Server under a suture supervisor.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewService builds a Service listening on addr. shutdownTimeout bounds the graceful
// shutdown once the supervisor stops the service.
func NewService(addr string, handler http.Handler, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Service{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve listens until ctx is cancelled, then shuts the server down gracefully.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", s.server.Addr), slog.String("component", "http"))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string { return "http-server" }
