// Package server constructs and starts the gochat HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/Tyrowin/gochat-live/internal/metrics"
)

// Deps are the collaborators a Server needs.
type Deps struct {
	Auth     Authenticator
	Sessions Subscriber
	Chat     MessageSender
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// Server owns the hub, the HTTP server and the live settings.
type Server struct {
	auth     Authenticator
	sessions Subscriber
	chat     MessageSender
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	settings *settings
	hub      *Hub
	upgrader websocket.Upgrader
	http     *http.Server

	hubOnce sync.Once
	hubRun  atomic.Bool
}

// New builds a Server. Call StartHub before serving.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		auth:     deps.Auth,
		sessions: deps.Sessions,
		chat:     deps.Chat,
		gatherer: deps.Gatherer,
		log:      deps.Log,
		settings: newSettings(cfg, deps.Log),
		hub:      NewHub(deps.Log, deps.Metrics),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.settings.checkOrigin,
	}
	s.http = CreateServer(s.settings.current().Addr, s.SetupRoutes())
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// StartHub starts the hub loop in a separate goroutine. It is idempotent.
func (s *Server) StartHub() {
	s.hubOnce.Do(func() {
		s.hubRun.Store(true)
		go s.hub.Run()
		s.log.Info().Msg("Hub started and ready to manage WebSocket connections")
	})
}

// ListenAndServe listens on the configured address and blocks until the
// server stops. It returns nil after a graceful Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("Server listening")
	return ignoreClosed(s.http.ListenAndServe())
}

// Serve accepts connections on ln and blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
	return ignoreClosed(s.http.Serve(ln))
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ApplyConfig updates the origin allowlist and per-connection limits. Open
// connections keep the limits they were created with.
func (s *Server) ApplyConfig(cfg Config) {
	s.settings.apply(cfg)
	s.log.Info().Strs("origins", s.settings.current().AllowedOrigins).Msg("Server settings updated")
}

// Shutdown stops accepting requests, closes every WebSocket client and the
// sessions they own, and waits for the client goroutines. Hijacked WebSocket
// connections are not tracked by http.Server, so the hub closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server...")

	var err error
	if herr := s.http.Shutdown(ctx); herr != nil {
		err = multierr.Append(err, herr)
	}

	if s.hubRun.Load() {
		timeout := s.settings.current().ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		err = multierr.Append(err, s.hub.Shutdown(timeout))
	}

	if err != nil {
		s.log.Warn().Err(err).Msg("Server shutdown finished with errors")
		return err
	}
	s.log.Info().Msg("Server shutdown completed")
	return nil
}
