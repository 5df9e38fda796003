// Package server exposes the webhook boundary and the status API over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/config"
	"github.com/SrivatsaRv/documo/dedup"
	"github.com/SrivatsaRv/documo/dispatch"
	"github.com/SrivatsaRv/documo/track"
)

// Server wires HTTP routes to the dispatcher and the status stores.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	store      *dedup.Store
	tracker    *track.Tracker
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

func New(cfg *config.Config, dispatcher *dispatch.Dispatcher, store *dedup.Store, tracker *track.Tracker, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		store:      store,
		tracker:    tracker,
		logger:     logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port()),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed so tests can drive it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", s.handleGitHubWebhook)
	mux.HandleFunc("/webhooks/gitlab", s.handleGitLabWebhook)
	mux.HandleFunc("/api/status/", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
