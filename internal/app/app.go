package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"otc-reconciler/internal/alerting"
	"otc-reconciler/internal/chain"
	"otc-reconciler/internal/config"
	"otc-reconciler/internal/engine"
	"otc-reconciler/internal/health"
	"otc-reconciler/internal/httpapi"
	"otc-reconciler/internal/lock"
	"otc-reconciler/internal/logging"
	"otc-reconciler/internal/quote"
	"otc-reconciler/internal/scheduler"
	"otc-reconciler/internal/service"
	"otc-reconciler/internal/storage"
)

const shutdownTimeout = 15 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; stdout when nil.
	Out io.Writer

	// reader replaces the configured chain router when set.
	reader engine.StateReader
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// deps holds everything a reconciling command needs.
type deps struct {
	backend  storage.Backend
	engine   *engine.Engine
	registry *prometheus.Registry
	closers  []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (storage.Backend, *storage.Store, func(), error) {
	backend, pg, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	if a.Config.Database.Driver == "memory" {
		a.Logger.Warn().Msg("database.driver is memory; quotes are lost on exit")
	}
	closer := func() {
		if err := backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return backend, pg, closer, nil
}

func (a *App) newChainRouter(observer chain.ReadObserver) *chain.Router {
	routes := make([]chain.Route, 0, len(a.Config.Chains))
	for _, name := range a.Config.ChainNames() {
		c, err := quote.ParseChain(name)
		if err != nil {
			// Validate already rejected unknown chains
			continue
		}
		cc := a.Config.Chains[name]

		var reader chain.Reader
		switch c.Kind() {
		case quote.KindEVM:
			reader = chain.NewEVMReader(chain.EVMOptions{RPCURL: cc.RPCURL, Confirmation: cc.Confirmation}, a.Logger)
		case quote.KindSolana:
			reader = chain.NewSolanaReader(chain.SolanaOptions{RPCURL: cc.RPCURL, ProgramID: cc.ProgramID, Commitment: cc.Confirmation}, a.Logger)
		}

		route := chain.Route{Chain: c, Reader: reader, Timeout: cc.Timeout}
		if cc.RatePerSec > 0 {
			burst := cc.Burst
			if burst <= 0 {
				burst = 1
			}
			route.Limiter = rate.NewLimiter(rate.Limit(cc.RatePerSec), burst)
		}
		routes = append(routes, route)
	}
	if len(routes) == 0 {
		a.Logger.Warn().Msg("no chains configured; every reconciliation will flag an invalid reference")
	}

	router := chain.NewRouter(a.Logger, routes...)
	router.SetObserver(observer)
	return router
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

// newDistributedLock returns nil for the memory backend: the engine's
// in-process table is then the only per-deal lock.
func (a *App) newDistributedLock(pg *storage.Store) (lock.Locker, func(), error) {
	switch a.Config.Lock.Backend {
	case "postgres":
		if pg == nil {
			return nil, nil, errors.New("lock.backend postgres requires the postgres store")
		}
		return lock.NewPostgresLocker(pg, lock.PostgresLockerOptions{
			Namespace:      a.Config.Scheduler.AdvisoryLockKey,
			AcquireTimeout: a.Config.Lock.AcquireTimeout,
		}), nil, nil
	case "redis":
		client, err := lock.NewRedisClient(a.Config.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		locker := lock.NewRedisLocker(client, lock.RedisLockerOptions{TTL: a.Config.Lock.TTL}, a.Logger)
		return locker, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil
	}
}

func (a *App) build(ctx context.Context) (*deps, error) {
	d := &deps{registry: prometheus.NewRegistry()}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	backend, pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	d.backend = backend
	d.closers = append(d.closers, closeStore)

	distributed, closeLock, err := a.newDistributedLock(pg)
	if err != nil {
		d.Close()
		return nil, err
	}
	if closeLock != nil {
		d.closers = append(d.closers, closeLock)
	}

	reporter := health.NewReporter(d.registry)
	reader := a.reader
	if reader == nil {
		reader = a.newChainRouter(reporter)
	}
	eng, err := engine.NewEngine(engine.Options{
		Store:        backend,
		Reader:       reader,
		Distributed:  distributed,
		Reporter:     reporter,
		Notifier:     a.newNotifier(),
		Concurrency:  a.Config.Engine.Concurrency,
		StoreTimeout: a.Config.Engine.StoreTimeout,
	}, a.Logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.engine = eng
	return d, nil
}

func (a *App) newService(d *deps, sched *scheduler.Scheduler) *service.Service {
	return service.New(service.Options{
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		LockTimeout:     a.Config.Lock.AcquireTimeout,
	}, sched, d.engine, d.backend, a.Logger)
}

// Run executes the long-running reconciliation service and its HTTP trigger.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		RunOnStart:    a.Config.Scheduler.RunOnStart,
	}, a.Logger)
	if err != nil {
		return err
	}
	svc := a.newService(d, sched)

	srv := &http.Server{
		Addr: a.Config.HTTP.Addr,
		Handler: httpapi.NewRouter(svc, httpapi.Options{
			ServiceName: a.Config.App.Name,
			AuthSecret:  a.Config.HTTP.AuthSecret,
			RequireAuth: a.Config.AuthRequired(),
			Timeout:     a.Config.HTTP.Timeout,
			Metrics:     promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}),
			Registerer:  d.registry,
		}, a.Logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.Logger.Info().Strs("chains", a.Config.ChainNames()).Msg("starting reconciliation service")
	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconciliation service stopped")
	return nil
}

// ReconcileOptions select a one-shot reconciliation.
type ReconcileOptions struct {
	QuoteID string
	All     bool
}

// RegisterOptions describe a newly negotiated deal.
type RegisterOptions struct {
	ID          string
	Chain       string
	Ref         string
	TokenAmount string
}

// ResolveOptions clear drift on a deal after manual review.
type ResolveOptions struct {
	QuoteID string
	// Status optionally forces a corrected status.
	Status string
}

// ExportOptions hold parameters for exporting sweep history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit       int
	DriftedOnly bool
	ActiveOnly  bool
	Chain       string
	Runs        bool
}

// SimulateOptions describe a synthetic drift alert.
type SimulateOptions struct {
	QuoteID string
	Chain   string
	Ref     string
	Reason  string
}
