package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/admission"
	"github.com/intelhome/envios/internal/api"
	"github.com/intelhome/envios/internal/broker"
	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/internal/connector"
	"github.com/intelhome/envios/internal/database"
	"github.com/intelhome/envios/internal/dispatch"
	"github.com/intelhome/envios/internal/hub"
	"github.com/intelhome/envios/internal/relay"
	"github.com/intelhome/envios/internal/session"
	"github.com/intelhome/envios/internal/websocket"
	pkgdatabase "github.com/intelhome/envios/pkg/database"
	"github.com/intelhome/envios/pkg/interfaces"
)

// Option adjusts how the application is assembled.
type Option func(*options)

type options struct {
	factory interfaces.ConnectorFactory
}

// WithConnectorFactory replaces the process connector factory, e.g. with a
// connector.ScriptedFactory for dry runs.
func WithConnectorFactory(f interfaces.ConnectorFactory) Option {
	return func(o *options) { o.factory = f }
}

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	log        zerolog.Logger
	dbManager  *database.Manager
	broker     *broker.Publisher
	registry   *websocket.Registry
	eventHub   *hub.Hub
	sessions   *session.Manager
	relay      *relay.Relay
	admission  *admission.Controller
	dispatcher *dispatch.Dispatcher
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	restored chan struct{}
}

// NewApplication builds every component in dependency order:
// Database → Broker → Registry → Hub → Sessions → Relay → Admission →
// Dispatch → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dbManager, err := OpenDatabase(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	var publisher *broker.Publisher
	var hubMirror hub.Mirror
	var relayMirror relay.Mirror
	if cfg.Broker.URL != "" {
		publisher, err = broker.Dial(cfg.Broker, log)
		if err != nil {
			dbManager.Close()
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		hubMirror = publisher
		relayMirror = publisher
	}

	factory := o.factory
	if factory == nil {
		factory = connector.NewFactory(cfg.Connector, dbManager, log.With().Str("component", "connector").Logger())
	}

	registry := websocket.NewRegistry()
	eventHub := hub.NewHub(registry, hubMirror, log)

	sessions := session.NewManager(dbManager, factory, eventHub, session.OptionsFromConfig(cfg.Session), log)
	inbound := relay.NewRelay(cfg.Relay, relayMirror, log)
	sessions.SetInboundHandler(inbound)

	admissionController := admission.NewController(sessions, dbManager, cfg.Admission, log)
	dispatcher := dispatch.NewDispatcher(sessions, cfg.Dispatch, log)

	wsHandler := websocket.NewHandler(registry, sessions, dbManager, admissionController, cfg.WebSocket, log)
	apiServer := api.NewServer(sessions, dbManager, dispatcher, registry, admissionController, eventHub, http.HandlerFunc(wsHandler.HandleWebSocket), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log.With().Str("component", "app").Logger(),
		dbManager:  dbManager,
		broker:     publisher,
		registry:   registry,
		eventHub:   eventHub,
		sessions:   sessions,
		relay:      inbound,
		admission:  admissionController,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		httpServer: httpServer,
		restored:   make(chan struct{}),
	}, nil
}

// OpenDatabase opens the store, applies the embedded migrations and checks
// the resulting schema.
func OpenDatabase(cfg *pkgdatabase.Config, log zerolog.Logger) (*database.Manager, error) {
	dbManager, err := database.NewManager(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB(), pkgdatabase.EmbeddedMigrations())
	if err := migrations.ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema is invalid: %w", err)
	}
	log.Info().Str("path", cfg.DatabasePath).Msg("database ready")
	return dbManager, nil
}

// Start runs the hub, begins serving HTTP and restores persisted sessions
// in the background.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.cancel != nil {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if err := app.eventHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	app.cancel = cancel

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error().Err(err).Msg("http server stopped")
		}
	}()

	go app.dispatcher.Run(runCtx)

	go func() {
		defer close(app.restored)
		if _, err := app.admission.Restore(runCtx); err != nil {
			app.log.Error().Err(err).Msg("session restore failed")
		}
	}()

	app.log.Info().Str("addr", listener.Addr().String()).Msg("envios started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Stop shuts components down in reverse dependency order. Sessions are
// closed but their records are kept.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down")

	app.mu.Lock()
	cancel := app.cancel
	app.mu.Unlock()

	var errs []error

	if cancel != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	app.registry.CloseAll()

	if cancel != nil {
		cancel()
	}
	app.admission.Close()

	if err := app.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := app.relay.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if cancel != nil {
		if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("event hub: %w", err))
		}
	}
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	if len(errs) > 0 {
		app.log.Warn().Errs("errors", errs).Msg("shutdown finished with errors")
		return errors.Join(errs...)
	}
	app.log.Info().Msg("shutdown complete")
	return nil
}

// Restored is closed once the startup restore has finished.
func (app *Application) Restored() <-chan struct{} {
	return app.restored
}

// GetAddr returns the bound address once started, the configured one before.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
