// Package server is the HTTP surface of the broker: the SSE and WebSocket
// stream transports, bearer-token identity, and the paired application and
// metrics listeners.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/orchestrator"
)

// shutdownGrace bounds graceful drain of in-flight requests on shutdown.
const shutdownGrace = 20 * time.Second

// maxRequestBody caps the decoded chat request size (conversation history
// plus memories) at 4 MiB.
const maxRequestBody = 4 << 20

// Server carries the HTTP handlers and their collaborators.
type Server struct {
	orch      *orchestrator.Orchestrator
	auth      *Authenticator
	payments  PaymentRecorder
	metrics   *observe.Metrics
	log       *slog.Logger
	keepAlive time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithKeepAliveInterval overrides the SSE keep-alive comment interval.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithPayments enables the Stripe webhook endpoint.
func WithPayments(p PaymentRecorder) Option {
	return func(s *Server) { s.payments = p }
}

// WithMetrics attaches HTTP middleware metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New wires a Server. The orchestrator and authenticator are required.
func New(orch *orchestrator.Orchestrator, auth *Authenticator, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("server: orchestrator must not be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("server: authenticator must not be nil")
	}
	s := &Server{
		orch:      orch,
		auth:      auth,
		log:       slog.Default(),
		keepAlive: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes returns the application handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/stream", s.handleStream)
	mux.HandleFunc("GET /v1/chat/ws", s.handleWS)
	if s.payments != nil {
		mux.HandleFunc("POST /v1/billing/stripe", s.handleStripeWebhook)
	}

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// decodeRequest reads the chat request from the body and stamps the caller's
// identity onto it. On failure it writes the HTTP error itself and returns
// ok=false.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*chat.Request, bool) {
	var req chat.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid chat request: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if len(req.Turns) == 0 {
		http.Error(w, "chat request must contain at least one turn", http.StatusBadRequest)
		return nil, false
	}

	// Identity comes from the token, never from the request body.
	req.AccountID, req.Authenticated = s.auth.Identify(r)
	return &req, true
}

// Run serves the application routes on addr and the operational endpoints
// (health probes and Prometheus metrics) on metricsAddr until ctx is
// cancelled, then drains both listeners gracefully.
func (s *Server) Run(ctx context.Context, addr, metricsAddr string, probes *health.Handler, metricsHandler http.Handler) error {
	app := &http.Server{Addr: addr, Handler: s.Routes()}

	opsMux := http.NewServeMux()
	if probes != nil {
		probes.Register(opsMux)
	}
	if metricsHandler != nil {
		opsMux.Handle("GET /metrics", metricsHandler)
	}
	ops := &http.Server{Addr: metricsAddr, Handler: opsMux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("serving chat API", "addr", addr)
		if err := app.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: chat listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("serving operational endpoints", "addr", metricsAddr)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: ops listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return errors.Join(app.Shutdown(shutdownCtx), ops.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
