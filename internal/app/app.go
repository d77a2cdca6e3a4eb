// Package app assembles the server from its components with fx and ties
// their start and stop to the application lifecycle.
package app

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Tyrowin/gochat-live/internal/bus"
	"github.com/Tyrowin/gochat-live/internal/chat"
	"github.com/Tyrowin/gochat-live/internal/config"
	"github.com/Tyrowin/gochat-live/internal/membership"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/Tyrowin/gochat-live/internal/session"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// ConfigPath is the file the configuration was loaded from. Empty disables
// live reload.
type ConfigPath string

// New builds the application. Extra options are appended, which tests use to
// populate components.
func New(cfg *config.Config, path ConfigPath, log zerolog.Logger, extra ...fx.Option) *fx.App {
	return fx.New(
		Options(cfg, path, log),
		fx.NopLogger,
		fx.Options(extra...),
	)
}

// Options is the full component graph.
func Options(cfg *config.Config, path ConfigPath, log zerolog.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, path, log),
		TelemetryModule(),
		StorageModule(),
		DeliveryModule(),
		ServerModule(),
	)
}

// TelemetryModule provides the metrics registry and collectors.
func TelemetryModule() fx.Option {
	return fx.Module("telemetry",
		fx.Provide(
			fx.Annotate(newRegistry,
				fx.As(new(prometheus.Registerer)),
				fx.As(new(prometheus.Gatherer)),
			),
			metrics.New,
		),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// StorageModule opens and seeds the store and closes it on stop.
func StorageModule() fx.Option {
	return fx.Module("storage",
		fx.Provide(newStore),
	)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	users := make([]store.User, 0, len(cfg.Seed.Users))
	for _, u := range cfg.Seed.Users {
		users = append(users, store.User{ID: u.ID, Username: u.Username, Token: u.Token})
	}
	threads := make([]store.ThreadSeed, 0, len(cfg.Seed.Threads))
	for _, t := range cfg.Seed.Threads {
		threads = append(threads, store.ThreadSeed{ID: t.ID, Participants: t.Participants})
	}
	if err := store.Seed(context.Background(), st, users, threads); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Storage.Driver).Int("users", len(users)).Int("threads", len(threads)).Msg("Store ready")

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return st.Close() },
	})
	return st, nil
}

// DeliveryModule provides the bus, the membership gate, the session manager
// and the message service.
func DeliveryModule() fx.Option {
	return fx.Module("delivery",
		fx.Provide(
			fx.Annotate(newBus, fx.As(new(bus.Bus))),
			newGate,
			newSessions,
			newChat,
		),
	)
}

func newBus(log zerolog.Logger, m *metrics.Metrics) *bus.Memory {
	return bus.New(bus.WithLogger(log), bus.WithMetrics(m))
}

func newGate(st store.Store) *membership.Gate {
	return membership.NewGate(st)
}

func newSessions(cfg *config.Config, gate *membership.Gate, b bus.Bus, m *metrics.Metrics, log zerolog.Logger) *session.Manager {
	return session.NewManager(gate, b,
		session.WithLogger(log),
		session.WithMetrics(m),
		session.WithBuffer(cfg.Server.SessionBuffer),
	)
}

func newChat(cfg *config.Config, st store.Store, b bus.Bus, m *metrics.Metrics, log zerolog.Logger) *chat.Service {
	return chat.NewService(st, b,
		chat.WithLogger(log),
		chat.WithMetrics(m),
		chat.WithMaxContentLength(cfg.Server.MaxContentLength),
	)
}

// ServerParams are the server's dependencies.
type ServerParams struct {
	fx.In

	Config   *config.Config
	Store    store.Store
	Sessions *session.Manager
	Chat     *chat.Service
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// ServerModule provides the HTTP server and its listener, and starts serving
// on application start.
func ServerModule() fx.Option {
	return fx.Module("server",
		fx.Provide(newServer, newListener),
		fx.Invoke(registerServer, registerConfigWatch),
	)
}

func newServer(p ServerParams) *server.Server {
	return server.New(server.ConfigFrom(p.Config.Server), server.Deps{
		Auth:     p.Store,
		Sessions: p.Sessions,
		Chat:     p.Chat,
		Metrics:  p.Metrics,
		Gatherer: p.Gatherer,
		Log:      p.Log,
	})
}

// newListener binds the configured address while the graph is built, so a
// port already in use fails startup.
func newListener(srv *server.Server) (net.Listener, error) {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", srv.Addr(), err)
	}
	return ln, nil
}

func registerServer(lc fx.Lifecycle, sd fx.Shutdowner, srv *server.Server, ln net.Listener, log zerolog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.StartHub()
			go func() {
				if err := srv.Serve(ln); err != nil {
					log.Error().Err(err).Msg("Server stopped unexpectedly")
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func registerConfigWatch(lc fx.Lifecycle, path ConfigPath, srv *server.Server, log zerolog.Logger) {
	if path == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				err := config.Watch(ctx, string(path), log, func(c *config.Config) {
					applyReload(c, srv, log)
				})
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("path", string(path)).Msg("Config watch stopped")
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
