// Package server exposes the HTTP surface: the admin endpoints, the
// live-event WebSocket, and the catch-all proxy route.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tapwire/tapwire/internal/capture"
	"github.com/tapwire/tapwire/internal/fanout"
)

// Server owns the router and the http.Server lifecycle.
type Server struct {
	router  *chi.Mux
	httpSrv *http.Server
	log     *capture.Log
	hub     *fanout.Hub
	logger  *slog.Logger
	version string
}

// New builds the router. The forwarder handles every path the admin surface
// does not claim; a WebSocket upgrade on any proxied path is treated as a
// live-event subscription instead of upstream traffic.
func New(port int, forwarder http.Handler, log *capture.Log, hub *fanout.Hub, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		log:     log,
		hub:     hub,
		logger:  logger,
		version: version,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tapwire")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/api/captures", s.handleListCaptures)
	r.Delete("/api/captures", s.handleClearCaptures)
	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			s.handleLiveEvents(w, req)
			return
		}
		forwarder.ServeHTTP(w, req)
	})

	s.router = r
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
		// No write timeout: streamed responses stay open for as long as the
		// upstream read deadline allows.
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight handlers
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
