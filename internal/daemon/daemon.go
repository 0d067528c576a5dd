package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/paperlens/internal/config"
	"github.com/harun/paperlens/internal/logger"
	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/gateway"
	"github.com/harun/paperlens/pkg/itemsource"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/prompts"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/textgen"
)

// Daemon represents the paperlens daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	text         textgen.Service
	source       itemsource.Source
	store        *memory.Store
	sessionMgr   *session.Manager
	sweeper      *session.Sweeper
	orchestrator *orchestrator.Orchestrator

	// Services
	gatewayServer *gateway.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracer *tracing.Provider
}

// Overridden in tests to avoid real providers.
var (
	newTextService = textgen.New
	newItemSource  = itemsource.New
	newEmbedder    = func(ctx context.Context, cfg *config.Config) (memory.Embedder, error) {
		return memory.NewGenAIEmbedder(ctx, cfg.Text.APIKey, cfg.Memory.Vector.Model, cfg.Memory.Vector.Dimension)
	}
)

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.Install(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracer = tp
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the pipeline in dependency order
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	tunables := cfg.Tunables()

	promptSet, err := prompts.Default()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	text, err := newTextService(cfg.TextService())
	if err != nil {
		return fmt.Errorf("failed to create text service: %w", err)
	}
	d.text = textgen.Instrument(text, d.logger.Component("textgen"))
	d.logger.Info().Str("provider", text.Provider()).Str("model", cfg.Text.Model).Msg("Text service initialized")

	source, err := newItemSource(cfg.ItemSource(),
		itemsource.WithHTTPClient(&http.Client{Timeout: cfg.Source.Timeout}),
		itemsource.WithRetryPolicy(tunables.Retry),
		itemsource.WithLogger(d.logger.Component("itemsource")),
	)
	if err != nil {
		return fmt.Errorf("failed to create item source: %w", err)
	}
	d.source = itemsource.NewRefiningSource(source, d.text, promptSet.Refine, d.logger.Component("itemsource"))
	d.logger.Info().Str("source", source.Name()).Msg("Item source initialized")

	memCfg := memory.Config{
		DSN:    cfg.Memory.DSN,
		Logger: d.logger.Component("memory"),
	}
	if cfg.Memory.Vector.Enabled {
		embedder, err := newEmbedder(context.Background(), cfg)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		memCfg.Embedder = embedder
	}
	store, err := memory.NewStore(memCfg)
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	d.store = store
	d.logger.Info().Bool("vector", cfg.Memory.Vector.Enabled).Msg("Memory store initialized")

	d.sessionMgr = session.NewManager(session.Config{
		Logger:         d.logger.Zerolog(),
		QAHistoryLimit: cfg.Session.QAHistoryLimit,
	})
	sweeper, err := session.NewSweeper(d.sessionMgr, cfg.Session.IdleTTL, cfg.Session.SweepSchedule)
	if err != nil {
		return fmt.Errorf("failed to create session sweeper: %w", err)
	}
	d.sweeper = sweeper
	d.logger.Info().Msg("Session manager initialized")

	orch, err := orchestrator.New(d.sessionMgr, d.store, d.text, d.source,
		orchestrator.WithLogger(d.logger.Zerolog()),
		orchestrator.WithPrompts(promptSet),
		orchestrator.WithTunables(tunables),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch
	d.logger.Info().Int("concurrency", tunables.Concurrency).Msg("Orchestrator initialized")

	return nil
}

// initializeServices initializes the network-facing services
func (d *Daemon) initializeServices() error {
	gatewayServer, err := gateway.NewServer(gateway.Config{
		Backend:   d.orchestrator,
		Host:      d.config.Gateway.Host,
		Port:      d.config.Gateway.Port,
		ReadLimit: d.config.Gateway.ReadLimit,
		Logger:    d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")
	return nil
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting paperlens daemon")

	if err := d.gatewayServer.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.sweeper.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session sweeper")
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon. Stages still running when ctx ends are abandoned.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping paperlens daemon")

	var errs []error

	// Stop gateway server first so no new work arrives
	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	if err := d.sweeper.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop session sweeper")
	}

	if err := d.orchestrator.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown orchestrator")
		errs = append(errs, err)
	}

	d.closeCore()

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Close stops a started daemon, or releases one that never started.
func (d *Daemon) Close(ctx context.Context) error {
	if d.Status().Running {
		return d.Stop(ctx)
	}
	err := d.orchestrator.Shutdown(ctx)
	d.closeCore()
	return err
}

// closeCore releases what New acquired.
func (d *Daemon) closeCore() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close memory store")
		}
		d.store = nil
	}

	if d.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.tracer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracer = nil
	}
}

// Status describes a running daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
	Sessions  int
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
		status.Sessions = len(d.orchestrator.List())
	}

	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon within
// grace.
func (d *Daemon) Wait(ctx context.Context, grace time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessionMgr
}
