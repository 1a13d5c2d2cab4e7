// Package api provides the admin HTTP server for the chatbot.
//
// It exposes endpoints to inspect conversation state, manage the human
// handoff gate, send operator replies, and maintain catalog entries. The
// inbound Twilio webhook is mounted on the same mux when that provider is
// active.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Insuapliques/Chatbot/internal/catalog"
	"github.com/Insuapliques/Chatbot/internal/handoff"
	"github.com/Insuapliques/Chatbot/internal/messaging"
	"github.com/Insuapliques/Chatbot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server hosts the admin endpoints.
type Server struct {
	st         store.Store
	gate       *handoff.Gate
	matcher    *catalog.Matcher
	msgService messaging.Service
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer wires the admin endpoints onto a fresh mux. Extra routes (such
// as the Twilio webhook) can be added via Mux before Run is called.
func NewServer(st store.Store, gate *handoff.Gate, matcher *catalog.Matcher, msgService messaging.Service) *Server {
	s := &Server{
		st:         st,
		gate:       gate,
		matcher:    matcher,
		msgService: msgService,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /conversations/{phone}/state", s.stateHandler)
	s.mux.HandleFunc("GET /conversations/{phone}/messages", s.messagesHandler)
	s.mux.HandleFunc("POST /conversations/{phone}/reset", s.resetHandler)
	s.mux.HandleFunc("POST /handoff/enable", s.handoffEnableHandler)
	s.mux.HandleFunc("POST /handoff/disable", s.handoffDisableHandler)
	s.mux.HandleFunc("POST /operator/reply", s.operatorReplyHandler)
	s.mux.HandleFunc("POST /catalog", s.catalogUpsertHandler)
	s.mux.HandleFunc("GET /catalog", s.catalogListHandler)
	return s
}

// Mux exposes the underlying mux so callers can mount provider webhooks.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Run starts the HTTP server and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Run(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	slog.Info("Server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
