// Package httpapi exposes the facilitator over HTTP: verification,
// settlement, supported payment kinds, requirement declaration, and payment
// status lookup. Handlers are thin glue over the settlement coordinator and
// the requirement registry; every response body is JSON.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
	"github.com/Dream-Voyage/v402-sub000/ledger"
	"github.com/Dream-Voyage/v402-sub000/registry"
)

// Facilitator is the coordinator surface the API serves.
type Facilitator interface {
	Verify(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*v402.VerifyResponse, error)
	Settle(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*v402.SettlementResponse, error)
	Status(ctx context.Context, id string) (*ledger.Record, error)
}

// Server is the facilitator HTTP API.
type Server struct {
	facilitator  Facilitator
	requirements *registry.Registry
	chains       *chain.Registry
	logger       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server) error

// NewServer creates a Server. A facilitator and a chain registry are required.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validation
	if s.facilitator == nil {
		return nil, errors.New("httpapi: facilitator is required")
	}
	if s.chains == nil {
		return nil, errors.New("httpapi: chain registry is required")
	}
	if s.requirements == nil {
		s.requirements = registry.NewRegistry()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// WithFacilitator sets the settlement coordinator.
func WithFacilitator(f Facilitator) ServerOption {
	return func(s *Server) error {
		s.facilitator = f
		return nil
	}
}

// WithRequirements sets the requirement registry.
func WithRequirements(r *registry.Registry) ServerOption {
	return func(s *Server) error {
		s.requirements = r
		return nil
	}
}

// WithChainRegistry sets the chain adapter registry.
func WithChainRegistry(r *chain.Registry) ServerOption {
	return func(s *Server) error {
		s.chains = r
		return nil
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/verify", s.handleVerify)
	r.Post("/settle", s.handleSettle)
	r.Get("/supported", s.handleSupported)
	r.Post("/fees", s.handleEstimateFee)
	r.Get("/payments/{id}", s.handlePaymentStatus)
	r.Post("/requirements", s.handleDeclareRequirement)
	r.Get("/requirements", s.handleListRequirements)
	return r
}

// requestLogger logs one line per request with status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
