package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/config"
	"liquidation-sentinel/internal/events"
	"liquidation-sentinel/internal/feed"
	"liquidation-sentinel/internal/fetcher"
	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/maintenance"
	"liquidation-sentinel/internal/metrics"
	"liquidation-sentinel/internal/pricing"
	"liquidation-sentinel/internal/protection"
	"liquidation-sentinel/internal/scheduler"
	"liquidation-sentinel/internal/service"
	"liquidation-sentinel/internal/storage"
	"liquidation-sentinel/internal/version"
	"liquidation-sentinel/internal/volatility"
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

func (a *App) newPriceSource() (fetcher.PriceSource, func(), error) {
	p := a.Config.Pricing
	switch p.Source {
	case "static":
		static := make(fetcher.Static, len(p.Static))
		for asset, price := range p.Static {
			static[asset] = decimal.NewFromFloat(price)
		}
		return static, func() {}, nil
	case "http":
		src := fetcher.NewHTTPSource(fetcher.HTTPOptions{
			BaseURL:   p.HTTP.BaseURL,
			Timeout:   p.HTTP.RequestTimeout,
			UserAgent: p.HTTP.UserAgent,
			APIKey:    p.HTTP.APIKey,
			AssetIDs:  p.HTTP.AssetIDs,
		}, a.Logger)
		return src, func() {}, nil
	case "chainlink":
		src := fetcher.NewChainlink(fetcher.ChainlinkOptions{
			RPCURL:  p.Chainlink.RPCURL,
			Feeds:   p.Chainlink.Feeds,
			Timeout: p.Chainlink.RequestTimeout,
		}, a.Logger)
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown price source %q", p.Source)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Notifier.Telegram.Enabled {
		cfg := a.Config.Notifier.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newSinks builds the configured event transports. The returned closer releases them.
func (a *App) newSinks() ([]events.Sink, func(), error) {
	cfg := a.Config.Events
	var sinks []events.Sink
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close event sink")
			}
		}
	}

	if cfg.Log {
		sinks = append(sinks, events.NewLogSink(a.Logger))
	}
	if cfg.Kafka.Enabled {
		k, err := events.NewKafkaSink(events.KafkaOptions{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.Redis.Enabled {
		r, err := events.NewRedisSink(events.RedisOptions{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, r)
		closers = append(closers, r.Close)
	}
	if n := a.newNotifier(); n != nil {
		sinks = append(sinks, events.Filter{
			Sink:  alerting.NotifierSink{Notifier: n},
			Types: []events.Type{events.AlertNew, events.AlertCritical},
		})
	}
	if a.Config.Protection.Enabled {
		if !a.Config.Alerting.AutoProtect {
			a.Logger.Warn().Msg("protection enabled but alerting.auto_protect is off; no critical alerts will reach it")
		}
		sinks = append(sinks, protection.NewSink(protection.Unsupported{}, a.Logger))
	}
	return sinks, closeAll, nil
}

// pipeline holds the long-lived monitoring components.
type pipeline struct {
	tracker    *pricing.Tracker
	manager    *alerting.Manager
	dispatcher *events.Dispatcher
	service    *service.Service
}

type pipelineDeps struct {
	store     *storage.Store
	accounts  storage.AccountStore
	source    fetcher.PriceSource
	feed      service.SnapshotFeed
	scheduler *scheduler.Scheduler
	sinks     []events.Sink
}

func (a *App) buildPipeline(deps pipelineDeps) (*pipeline, error) {
	cfg := a.Config

	dispatcher := events.NewDispatcher(events.DispatcherOptions{
		QueueSize:      cfg.Events.QueueSize,
		PublishTimeout: cfg.Events.PublishTimeout,
	}, a.Logger, deps.sinks...)

	tracker := pricing.NewTracker(deps.source, cfg.Pricing.Options, a.Logger)
	manager := alerting.NewManager(cfg.Alerting.Options, dispatcher, a.Logger)

	accounts := deps.accounts
	if accounts == nil {
		if deps.store != nil {
			accounts = deps.store
		} else {
			accounts = storage.StaticAccounts(cfg.Accounts)
		}
	}

	svcDeps := service.Deps{
		Scheduler:  deps.scheduler,
		Accounts:   accounts,
		Prices:     tracker,
		Feed:       deps.feed,
		Volatility: volatility.NewCalculator(cfg.Volatility),
		Scorer:     cascade.NewScorer(cfg.Cascade, health.NewCalculator(cfg.Health)),
		Manager:    manager,
		Emitter:    dispatcher,
	}
	if deps.store != nil {
		svcDeps.Snapshots = deps.store
		svcDeps.Alerts = deps.store
	}

	svc, err := service.New(service.OptionsFromConfig(cfg), svcDeps, a.Logger)
	if err != nil {
		return nil, err
	}
	return &pipeline{tracker: tracker, manager: manager, dispatcher: dispatcher, service: svc}, nil
}

// RunOptions configure the run command.
type RunOptions struct {
	Once bool
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Int("accounts", len(a.Config.Accounts)).Msg("database.dsn not configured; persistence disabled, using configured account list")
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, closeSource, err := a.newPriceSource()
	if err != nil {
		return err
	}
	defer closeSource()

	sinks, closeSinks, err := a.newSinks()
	if err != nil {
		return err
	}
	defer closeSinks()

	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToStart:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		RunOnStart:    a.Config.Scheduler.RunOnStart,
		ShutdownGrace: a.Config.Scheduler.ShutdownGrace,
	}, a.Logger)
	if err != nil {
		return err
	}

	var feedClient *feed.Client
	deps := pipelineDeps{store: store, source: source, scheduler: sched, sinks: sinks}
	if a.Config.Feed.URL != "" && !opts.Once {
		feedClient = feed.NewClient(a.Config.Feed, feed.JSONParser{}, a.Logger)
		deps.feed = feedClient
	}

	p, err := a.buildPipeline(deps)
	if err != nil {
		return err
	}

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- p.dispatcher.Run(ctx) }()
	defer func() {
		p.dispatcher.Close()
		<-dispatchDone
	}()

	if _, err := p.service.Restore(ctx); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		return err
	}

	if opts.Once {
		res, err := p.service.RunCycle(ctx)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("processed", res.Processed).Int("open_alerts", res.OpenAlerts).Msg("single cycle complete")
		return nil
	}

	var retention *maintenance.Retention
	if a.Config.Retention.Enabled && store != nil {
		retention, err = maintenance.NewRetention(a.Config.Retention, store, p.manager, a.Logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, a.Config.Metrics.Addr, a.Logger) })
	}
	if interval := a.Config.Pricing.RefreshInterval; interval > 0 {
		g.Go(func() error { return p.tracker.Run(gctx, a.Config.AssetList(), interval) })
	}
	if feedClient != nil {
		g.Go(func() error { return feedClient.Run(gctx) })
	}
	if retention != nil {
		g.Go(func() error { return retention.Run(gctx) })
	}
	g.Go(func() error { return p.service.Run(gctx) })

	a.Logger.Info().
		Str("version", version.Version).
		Str("price_source", a.Config.Pricing.Source).
		Dur("interval", sched.Interval()).
		Bool("feed", feedClient != nil).
		Msg("starting monitoring service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	AccountID string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show and alerts commands.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe a synthetic position run through one cycle.
type SimulateOptions struct {
	AccountID  string
	Collateral float64
	Debt       float64
	Price      float64
	History    []float64
}
