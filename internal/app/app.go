package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-sampler/internal/alerting"
	"market-sampler/internal/analytics"
	"market-sampler/internal/backfill"
	"market-sampler/internal/config"
	"market-sampler/internal/fetcher"
	"market-sampler/internal/gateway"
	"market-sampler/internal/reconcile"
	"market-sampler/internal/scheduler"
	"market-sampler/internal/service"
	"market-sampler/internal/storage"
	"market-sampler/internal/telemetry"
	"market-sampler/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// providerChain holds the decorated providers in registration order.
type providerChain struct {
	providers []fetcher.Provider
	byName    map[string]fetcher.Provider
	limited   []*gateway.Limited
}

func (a *App) newProviders() (*providerChain, error) {
	cfg := a.Config
	timeout := cfg.Providers.RequestTimeout
	userAgent := cfg.Providers.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent(cfg.App.Name)
	}

	var raw []fetcher.Provider
	for _, name := range cfg.EnabledProviders() {
		switch name {
		case "coingecko":
			raw = append(raw, fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
				BaseURL:   cfg.Providers.CoinGecko.BaseURL,
				APIKey:    cfg.Providers.CoinGecko.APIKey,
				Currency:  cfg.App.Currency,
				Timeout:   timeout,
				UserAgent: userAgent,
			}, a.Logger))
		case "coinmarketcap":
			raw = append(raw, fetcher.NewCoinMarketCap(fetcher.CoinMarketCapOptions{
				BaseURL:   cfg.Providers.CoinMarketCap.BaseURL,
				APIKey:    cfg.Providers.CoinMarketCap.APIKey,
				Currency:  cfg.App.Currency,
				Timeout:   timeout,
				UserAgent: userAgent,
				IDs:       cfg.Providers.CoinMarketCap.IDs,
			}, a.Logger))
		case "binance":
			raw = append(raw, fetcher.NewBinance(fetcher.BinanceOptions{
				BaseURL:   cfg.Providers.Binance.BaseURL,
				Timeout:   timeout,
				UserAgent: userAgent,
				Symbols:   cfg.Providers.Binance.Symbols,
			}, a.Logger))
		case "chainlink":
			raw = append(raw, fetcher.NewChainlink(fetcher.ChainlinkOptions{
				RPCURL:  cfg.Providers.Chainlink.RPCURL,
				Timeout: timeout,
				Feeds:   cfg.Providers.Chainlink.Feeds,
			}, a.Logger))
		}
	}
	if len(raw) == 0 {
		return nil, errors.New("no providers enabled")
	}

	chain := &providerChain{byName: make(map[string]fetcher.Provider, len(raw))}
	retry := fetcher.RetryOptions{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	for _, p := range raw {
		next := p
		if cfg.Gateway.Enabled {
			limited := gateway.NewLimited(p, gateway.LimitedOptions{
				Options: gateway.Options{
					MinInterval: cfg.Gateway.MinInterval,
					CacheTTL:    cfg.Gateway.CacheTTL,
				},
				ServeStaleOnError: cfg.Gateway.ServeStaleOnError,
			}, a.Logger)
			chain.limited = append(chain.limited, limited)
			next = limited
		}
		decorated := fetcher.NewRetrying(next, retry, a.Logger)
		chain.providers = append(chain.providers, decorated)
		chain.byName[p.Name()] = decorated
	}
	return chain, nil
}

func (a *App) newReconciler(chain *providerChain) *reconcile.Reconciler {
	cfg := a.Config
	return reconcile.New(chain.providers, reconcile.Options{
		Timeout:           cfg.ProviderBudget(),
		Concurrency:       cfg.Providers.Concurrency,
		PricePriority:     cfg.Providers.PricePriority,
		VolumePriority:    cfg.Providers.VolumePriority,
		MarketCapPriority: cfg.Providers.MarketCapPriority,
		CacheFreshness:    cfg.Reconciler.CacheFreshness,
		StaleVolume:       cfg.Reconciler.StaleVolume,
	}, a.Logger)
}

func (a *App) newEngine() *analytics.Engine {
	cfg := a.Config.Analytics
	return analytics.New(analytics.Options{
		Window:    cfg.Window,
		MinPoints: cfg.MinPoints,
		K:         cfg.K,
		Beta:      cfg.Beta,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	var channels alerting.Multi
	for _, ch := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			if !a.Config.Alerting.Telegram.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			cfg := a.Config.Alerting.Telegram
			channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	if len(channels) == 0 {
		return nil
	}
	if a.Config.Alerting.Cooldown > 0 {
		return alerting.NewCooldown(channels, a.Config.Alerting.Cooldown)
	}
	return channels
}

func (a *App) newBackfiller(store storage.SampleStore, chain *providerChain, engine *analytics.Engine, metrics *telemetry.Metrics) (*backfill.Backfiller, error) {
	cfg := a.Config.Backfill
	provider, ok := chain.byName[a.Config.Providers.RangeProvider]
	if !ok {
		return nil, fmt.Errorf("range provider %q is not enabled", a.Config.Providers.RangeProvider)
	}
	detector := backfill.NewDetector(store, cfg.Lookback, a.Logger)
	return backfill.New(store, provider, detector, engine, metrics, backfill.Options{
		Symbol:            a.Config.App.Symbol,
		MinGap:            cfg.MinGap,
		MaxGaps:           cfg.MaxGaps,
		InterCallDelay:    cfg.InterCallDelay,
		LargeGapThreshold: cfg.LargeGapThreshold,
		LargeGapDelay:     cfg.LargeGapDelay,
		Padding:           cfg.Padding,
		RequestTimeout:    cfg.RequestTimeout,
	}, a.Logger), nil
}

// openStore connects to PostgreSQL, or returns nil when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		v, err := storage.MigrateUp(a.Config.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Debug().Uint("schema_version", v).Msg("database schema up to date")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Config.App.Symbol)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// sampleStore opens PostgreSQL or falls back to an in-memory series for the
// lifetime of the process.
func (a *App) sampleStore(ctx context.Context) (storage.SampleStore, func(), error) {
	store, closer, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; samples kept in memory only")
		return storage.NewMemory(a.Config.App.Symbol), func() {}, nil
	}
	return store, closer, nil
}

// requireStore opens PostgreSQL for commands that read history.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closer, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return store, closer, nil
}

func publishGatewayStats(metrics *telemetry.Metrics, limited []*gateway.Limited) {
	for _, l := range limited {
		for symbol, st := range l.Stats() {
			metrics.SetGateway(l.Name(), symbol, st.CallCount, st.CacheHits)
		}
	}
}

// Run executes the long-running collection service, the scheduled gap filler
// and the telemetry endpoint until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.sampleStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	chain, err := a.newProviders()
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if a.Config.Metrics.Enabled {
		metrics = telemetry.New()
	}

	engine := a.newEngine()
	reconciler := a.newReconciler(chain)
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		CycleTimeout: a.Config.ResolveCycleTimeout(),
	}, metrics, a.Logger)
	svc := service.New(a.Config, sched, reconciler, store, engine, a.newNotifier(), metrics, a.Logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().
			Str("symbol", a.Config.App.Symbol).
			Strs("providers", a.Config.EnabledProviders()).
			Dur("interval", a.Config.Scheduler.Interval).
			Msg("starting collection service")
		return sched.Run(gctx, func(ctx context.Context, bucket time.Time) error {
			defer publishGatewayStats(metrics, chain.limited)
			return svc.Tick(ctx, bucket)
		})
	})

	if a.Config.Backfill.Enabled {
		filler, err := a.newBackfiller(store, chain, engine, metrics)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("scheduled backfill disabled")
		} else {
			runner, err := backfill.NewRunner(filler, a.Config.Backfill.Schedule, a.Config.Backfill.RunTimeout, a.Logger)
			if err != nil {
				return err
			}
			g.Go(func() error { return runner.Run(gctx) })
		}
	}

	if metrics != nil {
		server := telemetry.NewServer(telemetry.ServerOptions{
			Listen:      a.Config.Metrics.Listen,
			MetricsPath: a.Config.Metrics.Path,
		}, metrics, a.healthFunc(reconciler, store), a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("collection service stopped")
	return nil
}

func (a *App) healthFunc(reconciler *reconcile.Reconciler, store storage.SampleStore) telemetry.HealthFunc {
	return func(ctx context.Context) map[string]error {
		checks := reconciler.Health(ctx)
		if pg, ok := store.(*storage.Store); ok {
			checks["database"] = pg.Ping(ctx)
		}
		return checks
	}
}

// CollectOnce runs a single collection cycle for the current bucket.
func (a *App) CollectOnce(ctx context.Context) (service.Outcome, error) {
	store, closeStore, err := a.sampleStore(ctx)
	if err != nil {
		return service.Outcome{}, err
	}
	defer closeStore()

	chain, err := a.newProviders()
	if err != nil {
		return service.Outcome{}, err
	}

	svc := service.New(a.Config, nil, a.newReconciler(chain), store, a.newEngine(), a.newNotifier(), nil, a.Logger)
	bucket := time.Now().UTC()
	if a.Config.Scheduler.AlignToBucket {
		bucket = bucket.Truncate(a.Config.Scheduler.Interval)
	}
	return svc.CollectCycle(ctx, bucket)
}

// Health reports per-provider and database connectivity.
func (a *App) Health(ctx context.Context) (map[string]error, error) {
	chain, err := a.newProviders()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	var sampleStore storage.SampleStore
	if store != nil {
		defer closeStore()
		sampleStore = store
	}
	return a.healthFunc(a.newReconciler(chain), sampleStore)(ctx), nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
