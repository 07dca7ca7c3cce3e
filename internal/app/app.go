// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/api"
	"github.com/JakeFAU/spidermini-crawler/internal/classifier"
	"github.com/JakeFAU/spidermini-crawler/internal/clock"
	"github.com/JakeFAU/spidermini-crawler/internal/config"
	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
	"github.com/JakeFAU/spidermini-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/spidermini-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/spidermini-crawler/internal/frontier/memory"
	"github.com/JakeFAU/spidermini-crawler/internal/frontier/postgres"
	"github.com/JakeFAU/spidermini-crawler/internal/frontier/sqlite"
	gcppublisher "github.com/JakeFAU/spidermini-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/spidermini-crawler/internal/queue/memory"
	"github.com/JakeFAU/spidermini-crawler/internal/scheduler"
	"github.com/JakeFAU/spidermini-crawler/internal/worker"
)

// App holds the shared, long-lived services. It is built once per command and
// closed by the CLI after the command returns.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      crawler.FrontierStore
	classifier *classifier.Client
	fetcher    crawler.Fetcher
	publisher  crawler.Publisher
	pubsub     *gcppublisher.Publisher
	queue      *queuememory.Queue
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
}

// Option overrides a dependency that New would otherwise build from config.
type Option func(*options)

type options struct {
	store     crawler.FrontierStore
	fetcher   crawler.Fetcher
	publisher crawler.Publisher
	clock     crawler.Clock
}

// WithStore uses store instead of opening one from cfg.DB.
func WithStore(store crawler.FrontierStore) Option {
	return func(o *options) { o.store = store }
}

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithPublisher replaces the Pub/Sub publisher. Events go to cfg.PubSub.TopicName.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New builds every service from cfg. It fails fast if a critical dependency
// cannot be initialized and releases whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing application services", zap.String("db_driver", cfg.DB.Driver))

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	a.store = store

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		a.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.FetchTimeout(),
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		})
	}

	var gate crawler.Classifier
	if cfg.Classifier.Enabled {
		a.classifier = classifier.NewClient(cfg.Classifier.APIURL, cfg.ClassifierTimeout())
		gate = a.classifier
		logger.Info("classification gate enabled",
			zap.String("api_url", cfg.Classifier.APIURL),
			zap.String("target_category", cfg.Classifier.TargetCategory),
		)
	}

	a.publisher = o.publisher
	if a.publisher == nil && cfg.PubSub.TopicName != "" {
		pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID, logger.Named("pubsub"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.pubsub = pub
		a.publisher = pub
		logger.Info("publishing crawl notifications", zap.String("topic", cfg.PubSub.TopicName))
	}

	a.worker = worker.New(a.store, a.fetcher, gate, nil, a.publisher, o.clock, worker.Config{
		TargetCategory: cfg.Classifier.TargetCategory,
		Topic:          cfg.PubSub.TopicName,
		AttemptTimeout: cfg.AttemptTimeout(),
	}, logger.Named("worker"))

	a.queue = queuememory.NewQueue(cfg.Crawler.QueueDepth)
	a.dispatcher = dispatcher.New(a.store, a.worker, a.queue, cfg.Crawler.Workers, logger.Named("dispatcher"))

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(a.dispatcher, cfg.Scheduler.Spec, cfg.Crawler.BatchSize, logger.Named("scheduler"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		a.scheduler = sched
	}

	logger.Info("application services initialized")
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.FrontierStore, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL")
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	case config.DriverSQLite:
		logger.Info("opening SQLite frontier", zap.String("path", cfg.DB.SQLitePath))
		store, err := sqlite.Open(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	case config.DriverMemory:
		logger.Info("using in-memory frontier; state is lost on exit")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown db driver: %s", cfg.DB.Driver)
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the frontier store.
func (a *App) Store() crawler.FrontierStore { return a.store }

// Worker returns the crawl orchestrator.
func (a *App) Worker() *worker.Worker { return a.worker }

// Dispatcher returns the batch dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Scheduler returns the cron trigger, or nil when scheduling is disabled.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	var predictor api.HealthChecker
	if a.classifier != nil {
		predictor = a.classifier
	}
	return api.NewServer(a.store, a.dispatcher, predictor, a.cfg, a.logger)
}

// Close shuts down every service in reverse start order. It is safe to call on
// a partially built App.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("error closing pubsub publisher", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	// Sync fails on stdout/stderr on some platforms; it is best effort.
	_ = a.logger.Sync()
}
