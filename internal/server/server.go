// Package server wires the public HTTP surface: the relay catch-all,
// the bridge websocket endpoint, health and the admin handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaybridge/relaybridge/internal/storage"
)

// Relayer is the request orchestrator plus its runtime streaming
// toggle.
type Relayer interface {
	http.Handler
	FakeStreaming() bool
	SetFakeStreaming(v bool)
}

// Rotator exposes the credential rotation controls the admin API
// needs.
type Rotator interface {
	ActiveIndex() int
	FailureCount() int
	Rotate(ctx context.Context) error
}

// PeerStatus reports whether an execution peer is attached.
type PeerStatus interface {
	HasPeer() bool
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	relayer Relayer
	rotator Rotator
	peers   PeerStatus
	store   storage.ExchangeStore
}

// New builds the router with the ambient middleware stack applied.
// bridgeWS handles the peer websocket upgrade; store may be nil when
// exchange recording is disabled.
func New(port int, logger *slog.Logger, relayer Relayer, rotator Rotator, peers PeerStatus, store storage.ExchangeStore, bridgeWS http.HandlerFunc) *Server {
	s := &Server{
		Port:    port,
		logger:  logger,
		relayer: relayer,
		rotator: rotator,
		peers:   peers,
		store:   store,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "relaybridge")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/bridge/ws", bridgeWS)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/rotate", s.handleRotate)
		r.Get("/streaming-mode", s.handleStreamingMode)
		r.Post("/streaming-mode", s.handleStreamingMode)
		r.Get("/exchanges", s.handleExchanges)
	})

	// Everything else is relayed to the execution peer.
	r.Handle("/*", relayer)

	s.Router = r
	return s
}

// HTTPServer returns the http.Server for this router. Only the
// header read is bounded; relay responses may stream for a long time.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
