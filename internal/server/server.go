// Package server exposes the monitor over HTTP: the message endpoint used
// by the popup, the event ingestion endpoint fed by the traffic observer,
// and the widget push websocket.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bigbes/netmeter/internal/broadcast"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/traffic"
)

const (
	maxMessageBytes = 64 << 10
	maxEventBytes   = 1 << 20
)

// EventSink receives observed network events.
type EventSink interface {
	ObserveRequest(d traffic.RequestDetails)
	ObserveResponse(headers []traffic.Header)
	ObserveCompleted()
}

// Server serves the daemon API.
type Server struct {
	dispatcher *protocol.Dispatcher
	events     EventSink
	hub        *broadcast.Hub
	listen     string
	token      string
	logger     *slog.Logger
}

// New creates a server. An empty token disables authentication.
func New(
	dispatcher *protocol.Dispatcher,
	events EventSink,
	hub *broadcast.Hub,
	listen string,
	token string,
	logger *slog.Logger,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		events:     events,
		hub:        hub,
		listen:     listen,
		token:      token,
		logger:     logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/message", s.authMiddleware(s.handleMessage))
	mux.HandleFunc("POST /api/events", s.authMiddleware(s.handleEvents))
	mux.Handle("GET /api/widget", s.authMiddleware(s.hub.ServeHTTP))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.listen, err)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server started", "listen", ln.Addr().String(), "auth", s.token != "")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.logger.Debug("server: auth failed", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	}
}
