package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"candlewatch/internal/alerting"
	"candlewatch/internal/api"
	"candlewatch/internal/config"
	"candlewatch/internal/fetcher"
	"candlewatch/internal/metrics"
	"candlewatch/internal/scheduler"
	"candlewatch/internal/service"
	"candlewatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// engine bundles a wired controller and everything that must be closed with it.
type engine struct {
	svc     *service.Service
	backend storage.Backend
	limiter *semaphore.Weighted
	closers []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	backend, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.Config.Database.Driver, err)
	}
	return backend, nil
}

func (a *App) configStore(backend storage.Backend) (storage.ConfigStore, error) {
	if a.Config.Engine.ConfigSource == "file" {
		return storage.NewStaticConfigStore(a.Config.Symbols)
	}
	return backend, nil
}

func (a *App) newCandleSource(ctx context.Context) (fetcher.CandleSource, func(), error) {
	m := a.Config.Market
	var source fetcher.CandleSource
	switch m.Source {
	case "http":
		source = fetcher.NewHTTP(fetcher.HTTPOptions{
			BaseURL:   m.BaseURL,
			Timeout:   m.RequestTimeout,
			UserAgent: m.UserAgent,
		}, a.Logger)
	default:
		source = fetcher.NewBinance(fetcher.BinanceOptions{
			BaseURL:        m.BaseURL,
			APIKey:         m.APIKey,
			SecretKey:      m.SecretKey,
			Timeout:        m.RequestTimeout,
			UserAgent:      m.UserAgent,
			DropOpenCandle: m.DropOpenCandle,
		}, a.Logger)
	}

	if !a.Config.Cache.Enabled {
		return source, func() {}, nil
	}
	opts := fetcher.RedisOptions{
		Addr:      a.Config.Cache.Addr,
		Password:  a.Config.Cache.Password,
		DB:        a.Config.Cache.DB,
		KeyPrefix: a.Config.Cache.KeyPrefix,
		TTL:       a.Config.Cache.TTL,
	}
	client, err := fetcher.NewRedisClient(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return fetcher.NewCached(source, client, opts, a.Logger), closeRedis(client, a.Logger), nil
}

func closeRedis(client *redis.Client, logger zerolog.Logger) func() {
	return func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("close redis client")
		}
	}
}

func (a *App) newWebhook(limiter alerting.Limiter) *alerting.Webhook {
	w := a.Config.Alerting.Webhook
	return alerting.NewWebhook(alerting.Options{
		Timeout:          w.Timeout,
		MaxRetries:       w.MaxRetries,
		BackoffBase:      w.BackoffBase,
		MaxResponseBytes: w.MaxResponseBytes,
		UserAgent:        w.UserAgent,
		Limiter:          limiter,
	}, a.Logger)
}

// newEngine wires the controller against the configured backend and sources.
func (a *App) newEngine(ctx context.Context, sched *scheduler.Scheduler, m *metrics.Metrics) (*engine, error) {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	e := &engine{backend: backend, closers: []func(){func() { _ = backend.Close() }}}

	configs, err := a.configStore(backend)
	if err != nil {
		e.Close()
		return nil, err
	}
	candles, closeCandles, err := a.newCandleSource(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, closeCandles)

	e.limiter = semaphore.NewWeighted(int64(a.Config.Engine.MaxOutbound))
	e.svc = service.New(service.OptionsFromConfig(a.Config), service.Deps{
		Scheduler: sched,
		Configs:   configs,
		Ledger:    backend,
		Locker:    backend,
		Candles:   candles,
		Notifier:  a.newWebhook(e.limiter),
		Limiter:   e.limiter,
		Metrics:   m,
	}, a.Logger)
	return e, nil
}

// Run executes the scheduled evaluation loop and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		SettleDelay:   a.Config.Scheduler.SettleDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.NewRegistry())
	eng, err := a.newEngine(ctx, sched, m)
	if err != nil {
		return err
	}
	defer eng.Close()

	if !a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting disabled; triggers will be evaluated but not delivered")
	}

	var srv *api.Server
	if a.Config.API.Enabled {
		srv, err = api.New(api.OptionsFromConfig(a.Config.API), api.Deps{
			Engine:  eng.svc,
			Alerts:  eng.backend,
			Health:  eng.backend.Ping,
			Metrics: m,
		}, a.Logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Dur("interval", sched.Interval()).Msg("starting evaluation loop")
		return eng.svc.Run(gctx)
	})
	if srv != nil {
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("candlewatch stopped")
	return nil
}

// Migrate applies the schema and optionally seeds symbols from the config file.
func (a *App) Migrate(ctx context.Context, seed bool) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema applied")

	if !seed {
		return nil
	}
	n, err := backend.SeedSymbols(ctx, a.Config.Symbols)
	if err != nil {
		return fmt.Errorf("seed symbols: %w", err)
	}
	a.Logger.Info().Int("symbols", n).Msg("symbols seeded")
	return nil
}

// ExportOptions hold parameters for exporting ledger rows.
type ExportOptions struct {
	Symbol    string
	Indicator string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol string
	Status storage.Status
	Limit  int
}

// ReplayOptions configure a dry-run over historical windows.
type ReplayOptions struct {
	Symbol string
	From   time.Time
	To     time.Time
	JSON   bool
}

// SimulateOptions describe the synthetic move fed through simulate-alert.
type SimulateOptions struct {
	Symbol        string
	ChangePercent float64
	VolumeFactor  float64
}
