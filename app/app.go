// Package app assembles the coordinator from a Config: job store, provider
// client, event bus, workflow engine, registrar, poller, router and the
// scheduled maintenance tasks.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/config"
	"github.com/goliatone/go-datacopy/cron"
	"github.com/goliatone/go-datacopy/httpapi"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/poller"
	"github.com/goliatone/go-datacopy/provider"
	"github.com/goliatone/go-datacopy/registrar"
	"github.com/goliatone/go-datacopy/router"
	"github.com/goliatone/go-datacopy/workflow"
)

// App owns every long-lived component of a running coordinator.
type App struct {
	Config     config.Config
	Logger     datacopy.Logger
	Obs        *observability.Provider
	Bus        *bus.Bus
	Store      jobstore.Store
	Executions workflow.ExecutionStore
	Engine     *workflow.Engine
	Provider   provider.Client
	Scheduler  *cron.Scheduler
	Registrar  *registrar.Registrar
	Poller     *poller.Poller
	Sweeper    *jobstore.Sweeper
	Router     *router.Router
	Tasks      *datacopy.Registry

	db        *gorm.DB
	busOpts   []bus.Option
	logWriter io.Writer
	subs      []bus.Subscription
}

type Option func(*App)

// WithLogger replaces the logger built from the log settings.
func WithLogger(l datacopy.Logger) Option {
	return func(a *App) {
		a.Logger = l
	}
}

// WithLogWriter sets where the built logger writes.
func WithLogWriter(w io.Writer) Option {
	return func(a *App) {
		a.logWriter = w
	}
}

// WithProviderClient replaces the provider client built from the provider
// settings. The client is still wrapped with retries.
func WithProviderClient(c provider.Client) Option {
	return func(a *App) {
		a.Provider = c
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(a *App) {
		a.Obs = p
	}
}

// WithBusOptions replaces the bus worker settings.
func WithBusOptions(opts ...bus.Option) Option {
	return func(a *App) {
		a.busOpts = opts
	}
}

// New wires a coordinator. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.Logger == nil {
		a.Logger = observability.NewLogger(a.logWriter, cfg.Log.Level, cfg.Log.Format)
	}
	if a.Obs == nil {
		a.Obs = observability.New()
	}

	if err := a.openStores(); err != nil {
		return nil, err
	}
	if err := a.buildProvider(); err != nil {
		a.closeDB()
		return nil, err
	}
	if err := a.buildCoordinator(); err != nil {
		a.closeDB()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores() error {
	cfg := a.Config.Store
	if cfg.Driver == jobstore.DriverMemory {
		a.Store = jobstore.NewMemoryStore()
		a.Executions = workflow.NewMemoryExecutionStore()
		a.Logger.Warn("job store is in memory; state is lost on restart")
		return nil
	}

	db, err := jobstore.OpenDB(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	a.db = db
	jobs, err := jobstore.NewGormStore(db)
	if err != nil {
		return err
	}
	execs, err := workflow.NewGormExecutionStore(db)
	if err != nil {
		return err
	}
	a.Store = jobstore.NewRetrying(jobs, jobstore.WithRetryLogger(a.Logger))
	a.Executions = execs
	return nil
}

func (a *App) buildProvider() error {
	cfg := a.Config.Provider
	client := a.Provider
	if client == nil {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			a.Logger.Warn("no provider base url configured; using the in-memory provider")
			client = provider.NewFake()
		} else {
			var ts oauth2.TokenSource
			switch {
			case cfg.TokenFile != "":
				ts = provider.FileTokenSource(cfg.TokenFile)
			case cfg.Token != "":
				ts = provider.StaticTokenSource(cfg.Token)
			}
			httpClient, err := provider.NewHTTPClient(cfg.BaseURL, ts,
				provider.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
				provider.WithHTTPLogger(a.Logger),
			)
			if err != nil {
				return err
			}
			client = httpClient
		}
	}
	a.Provider = provider.NewRetrying(client,
		provider.WithMaxAttempts(cfg.MaxAttempts),
		provider.WithRetryLogger(a.Logger),
	)
	return nil
}

func (a *App) buildCoordinator() error {
	cfg := a.Config
	logger := a.Logger

	busOpts := a.busOpts
	if busOpts == nil {
		busOpts = []bus.Option{bus.WithWorkers(cfg.Bus.Workers, cfg.Bus.QueueDepth)}
	}
	a.Bus = bus.New(append(busOpts, bus.WithLogger(logger))...)

	a.Scheduler = cron.NewScheduler(
		cron.WithLogger(logger),
		cron.WithErrorHandler(func(err error) {
			logger.Error("scheduled task failed: %v", err)
		}),
	)

	a.Engine = workflow.NewEngine(
		workflow.WithExecutionStore(a.Executions),
		workflow.WithOutcomePublisher(a.Bus, bus.External, cfg.Events.Source),
		workflow.WithHeartbeatTimeout(cfg.Heartbeat.Timeout),
		workflow.WithEngineLogger(logger),
		workflow.WithEngineObservability(a.Obs),
	)

	staging := workflow.NewStagingPool(a.Provider,
		workflow.WithStagingSlots(cfg.Transfer.StagingSlots),
		workflow.WithStagingMemory(cfg.Transfer.StagingMemoryBytes),
		workflow.WithStagingLogger(logger),
		workflow.WithStagingObservability(a.Obs),
	)
	copyJob, err := workflow.NewCopyJobWorkflow(a.Provider, a.Store, a.Bus,
		workflow.WithStagingPool(staging),
		workflow.WithStagingThreshold(cfg.Transfer.StagingThresholdBytes),
		workflow.WithJobTTL(cfg.Store.TTL),
		workflow.WithEventIdentity(cfg.Events.Source, cfg.Events.DetailType),
		workflow.WithCopyJobLogger(logger),
		workflow.WithCopyJobObservability(a.Obs),
	)
	if err != nil {
		return err
	}
	if err := a.Engine.Register(copyJob); err != nil {
		return err
	}
	rename, err := workflow.NewRenameWorkflow(a.Provider,
		workflow.WithRenameLogger(logger),
		workflow.WithRenameObservability(a.Obs),
	)
	if err != nil {
		return err
	}
	if err := a.Engine.Register(rename); err != nil {
		return err
	}

	a.Registrar, err = registrar.New(a.Store, a.Engine, a.Scheduler,
		registrar.WithRule(cfg.Heartbeat.RuleName),
		registrar.WithTokenTTL(cfg.Store.TTL),
		registrar.WithLogger(logger),
		registrar.WithObservability(a.Obs),
	)
	if err != nil {
		return err
	}

	a.Poller, err = poller.New(a.Store, a.Provider, a.Registrar, a.Scheduler,
		poller.WithRule(cfg.Heartbeat.RuleName),
		poller.WithConcurrency(cfg.Poller.Concurrency),
		poller.WithLogger(logger),
		poller.WithObservability(a.Obs),
	)
	if err != nil {
		return err
	}

	a.Sweeper = jobstore.NewSweeper(a.Store, a.Registrar, jobstore.WithSweeperLogger(logger))

	a.Router = router.New(
		router.WithEventIdentity(cfg.Events.Source, cfg.Events.DetailType),
		router.WithProviderEventCode(cfg.Events.ProviderEventCode),
		router.WithLogger(logger),
		router.WithObservability(a.Obs),
	)
	router.Bind(a.Router, router.Targets{
		Engine:      a.Engine,
		Registrar:   a.Registrar,
		Poller:      a.Poller,
		Logger:      logger,
		TickTimeout: cfg.Heartbeat.Interval,
	})
	a.subs = a.Router.Attach(a.Bus)

	a.Tasks = datacopy.NewRegistry().SetCronRegister(a.schedule)
	for _, task := range Tasks(a) {
		if err := a.Tasks.RegisterCommand(task); err != nil {
			return err
		}
	}
	return a.Tasks.Initialize()
}

// schedule registers named tasks as toggleable rules and anonymous ones as
// plain cron entries.
func (a *App) schedule(opts datacopy.HandlerConfig, handler any) error {
	if opts.Named() {
		return a.Scheduler.ScheduleRule(opts.Rule, opts, handler)
	}
	_, err := a.Scheduler.ScheduleCron(opts, handler)
	return err
}

// Start runs the scheduler and enables the heartbeat rule so jobs left
// pending by a previous process are polled. The first tick disables the
// rule again when nothing is outstanding.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Enable(ctx, a.Config.Heartbeat.RuleName); err != nil {
		return err
	}
	a.Logger.Info("coordinator started (store=%s heartbeat=%s every %s)",
		a.Config.Store.Driver, a.Config.Heartbeat.RuleName, a.Config.Heartbeat.Interval)
	return nil
}

// Stop halts scheduled tasks, drains queued events and closes the database.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Bus.Close()
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil
	if err := a.closeDB(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Health pings the database when there is one.
func (a *App) Health(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Handler returns the HTTP API backed by this coordinator.
func (a *App) Handler() http.Handler {
	return httpapi.NewHandler(a.apiDeps())
}

func (a *App) apiDeps() httpapi.Deps {
	return httpapi.Deps{
		Publisher:  a.Bus,
		Jobs:       a.Store,
		Executions: a.Engine,
		Poller:     a.Poller,
		Logger:     a.Logger,
		Health:     a.Health,
	}
}

// Serve starts the coordinator and the HTTP API and blocks until ctx is
// canceled or the server fails, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	srv := httpapi.NewServer(a.Config.HTTP.Addr, a.apiDeps())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http api listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Stop(stopCtx))
}

// Submit starts a copy-job execution directly, bypassing the event bus.
func (a *App) Submit(ctx context.Context, req workflow.CopyRequest) (workflow.Execution, error) {
	return a.Engine.StartExecution(ctx, workflow.CopyJobWorkflowName, req)
}

// Rename gives a copied file a new name, bypassing the event bus.
func (a *App) Rename(ctx context.Context, req workflow.RenameRequest) (workflow.Execution, error) {
	return a.Engine.StartExecution(ctx, workflow.RenameWorkflowName, req)
}

func (a *App) closeDB() error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	a.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// sweepTimeout bounds one maintenance pass.
const sweepTimeout = 5 * time.Minute
