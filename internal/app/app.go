// Package app builds the long-lived services of one crawler process from
// configuration, acting as the dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/api"
	"github.com/JakeFAU/answer-engine-crawler/internal/behavior"
	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/challenge"
	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/config"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/dispatcher"
	"github.com/JakeFAU/answer-engine-crawler/internal/engine"
	"github.com/JakeFAU/answer-engine-crawler/internal/id/uuid"
	"github.com/JakeFAU/answer-engine-crawler/internal/issuer"
	"github.com/JakeFAU/answer-engine-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/answer-engine-crawler/internal/progress"
	"github.com/JakeFAU/answer-engine-crawler/internal/progress/sinks"
	"github.com/JakeFAU/answer-engine-crawler/internal/proxy"
	"github.com/JakeFAU/answer-engine-crawler/internal/proxy/redisstate"
	"github.com/JakeFAU/answer-engine-crawler/internal/publisher"
	kafkapublisher "github.com/JakeFAU/answer-engine-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/answer-engine-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/answer-engine-crawler/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/answer-engine-crawler/internal/queue/memory"
	redisqueue "github.com/JakeFAU/answer-engine-crawler/internal/queue/redis"
	"github.com/JakeFAU/answer-engine-crawler/internal/session"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/gcs"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/local"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/memory"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/postgres"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/answer-engine-crawler/internal/worker"
)

const (
	memoryContinuationTopic = "continuations"
	memoryPublisherLimit    = 10_000
)

// App holds the shared services of one process. It is built once at startup
// and closed on shutdown.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Clock    crawler.Clock
	Queue    crawler.Queue
	Store    crawler.TaskStore
	Blobs    crawler.BlobStore
	Issuer   *issuer.Issuer
	Sessions *session.Store
	Proxies  *proxy.Pool
	Limiter  *ratelimit.Limiter
	Registry *engine.Registry
	Behavior *behavior.Simulator
	Progress *progress.Hub

	publisher crawler.Publisher
	redis     goredis.UniversalClient
	closers   []func() error
}

// New initializes every configured backend and fails fast when one of them
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Clock: system.New()}
	if err := a.init(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("close after init failure", zap.Error(closeErr))
		}
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("store", cfg.Store.Backend),
		zap.String("blob", cfg.Blob.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	if cfg.Queue.Backend == "redis" || cfg.Proxy.PersistState {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redis = client
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	steps := []func(context.Context) error{
		a.initQueue,
		a.initStore,
		a.initBlobs,
		a.initSessions,
		a.initProxies,
		a.initEngines,
		a.initIssuer,
		a.initProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initQueue(context.Context) error {
	switch a.Config.Queue.Backend {
	case "redis":
		a.Queue = redisqueue.New(a.redis, redisqueue.Options{
			Prefix: a.Config.Queue.Prefix,
			TTL:    time.Duration(a.Config.Queue.StatusTTLHours) * time.Hour,
		})
	default:
		a.Queue = memqueue.NewQueue(0)
	}
	a.closers = append(a.closers, a.Queue.Close)
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.Config.Store.Backend {
	case "postgres":
		store, err := postgres.NewTaskStore(ctx, postgres.Config{
			DSN:          a.Config.DB.DSN,
			TasksTable:   a.Config.DB.TasksTable,
			ResultsTable: a.Config.DB.ResultsTable,
		}, a.Clock, a.Logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres store: %w", err)
		}
		a.Store = store
	case "sqlite":
		store, err := sqlite.Open(a.Config.Store.SQLitePath, a.Clock)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Store = store
	default:
		a.Store = memory.NewTaskStore(a.Clock)
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.Config.Blob.Backend {
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.Config.Blob.LocalDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.Blobs = blobs
	case "gcs":
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: a.Config.Blob.GCSBucket, Prefix: a.Config.Blob.Prefix}, a.Logger)
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.closers = append(a.closers, blobs.Close)
		a.Blobs = blobs
	default:
		a.Blobs = memory.NewBlobStore()
	}
	return nil
}

func (a *App) initSessions(context.Context) error {
	sessions, err := session.NewStore(session.Options{
		Dir:    a.Config.Session.Dir,
		TTL:    a.Config.SessionTTL(),
		Clock:  a.Clock,
		Logger: a.Logger.Named("session"),
	})
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	a.Sessions = sessions
	return nil
}

func (a *App) initProxies(ctx context.Context) error {
	cfg := a.Config.Proxy
	opts := proxy.Options{
		Cooldown: a.Config.ProxyCooldown(),
		Clock:    a.Clock,
		Logger:   a.Logger.Named("proxy"),
	}
	if cfg.HealthCheckURL != "" {
		opts.Prober = proxy.CollyProber{
			URL:     cfg.HealthCheckURL,
			Timeout: time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
		}
	}
	if cfg.PersistState {
		opts.Store = redisstate.New(a.redis, cfg.StateKey)
	} else {
		a.Logger.Info("proxy usage and failure state kept in memory; it resets on restart")
	}
	pool, err := proxy.NewPool(opts)
	if err != nil {
		return fmt.Errorf("init proxy pool: %w", err)
	}

	list, errs := proxy.ParseList(strings.Join(cfg.Servers, "\n"))
	for _, err := range errs {
		a.Logger.Warn("skipping malformed proxy", zap.Error(err))
	}
	if cfg.SourceURL != "" {
		fetched, err := proxy.LoadSource(ctx, cfg.SourceURL, time.Duration(cfg.ProbeTimeoutSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("load proxy source: %w", err)
		}
		list = append(list, fetched...)
	}
	if err := pool.Initialize(ctx, list); err != nil {
		return fmt.Errorf("init proxy pool: %w", err)
	}
	a.Proxies = pool
	return nil
}

func (a *App) initEngines(context.Context) error {
	strategy, err := challenge.ParseStrategy(a.Config.Captcha.Strategy)
	if err != nil {
		return fmt.Errorf("init engines: %w", err)
	}
	engineLogger := a.Logger.Named("engine")
	a.Behavior = behavior.New(behavior.Options{
		TypoProbability: a.Config.Behavior.TypoProbability,
		Detector:        challenge.Default(),
		WarmupURLs:      a.Config.Behavior.WarmupURLs,
		Logger:          engineLogger,
	})
	deps := engine.Deps{
		Simulator: a.Behavior,
		Challenge: challenge.Policy{Strategy: strategy, Timeout: a.Config.CaptchaTimeout()},
		Blobs:     a.Blobs,
		Clock:     a.Clock,
		Timeouts: engine.Timeouts{
			Navigation: time.Duration(a.Config.Browser.NavTimeoutSeconds) * time.Second,
			Input:      time.Duration(a.Config.Browser.InputTimeoutSeconds) * time.Second,
			Response:   time.Duration(a.Config.Browser.ResponseTimeoutSeconds) * time.Second,
		},
		Logger: engineLogger,
	}
	registry, err := engine.DefaultRegistry(deps, a.Config.Engines.Enabled...)
	if err != nil {
		return fmt.Errorf("init engines: %w", err)
	}
	a.Registry = registry
	a.Limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.Config.Engines.RateLimitRPS,
		DefaultBurst: a.Config.Engines.Burst,
	})
	return nil
}

func (a *App) initIssuer(ctx context.Context) error {
	var (
		pub   crawler.Publisher
		topic string
	)
	switch a.Config.Publisher.Backend {
	case "pubsub":
		p, err := pubsubpublisher.Open(ctx, a.Config.PubSub.ProjectID, a.Config.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		pub, topic = p, a.Config.PubSub.TopicName
	case "kafka":
		p := kafkapublisher.New(a.Config.Kafka.Brokers, a.Config.Kafka.Topic)
		a.closers = append(a.closers, p.Close)
		pub, topic = p, a.Config.Kafka.Topic
	default:
		pub, topic = memorypublisher.NewBounded(memoryPublisherLimit), memoryContinuationTopic
	}

	a.publisher = pub
	continuation := publisher.NewContinuation(pub, topic, a.Clock, a.Logger.Named("continuation"))
	a.Issuer = issuer.New(a.Queue, a.Store, uuid.New(), a.Clock, continuation, issuer.Options{
		MaxRetries:   a.Config.Worker.MaxRetries,
		PollInterval: a.Config.PollInterval(),
		PollAttempts: a.Config.Issuer.PollMaxAttempts,
		Stage:        a.Config.Issuer.ContinuationStage,
		StaleAfter:   a.Config.StaleAfter(),
	}, a.Logger.Named("issuer"))
	return nil
}

func (a *App) initProgress(context.Context) error {
	cfg := a.Config.Progress
	if !cfg.Enabled {
		return nil
	}
	logger := a.Logger.Named("progress")
	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	if cfg.Publish {
		hubSinks = append(hubSinks, sinks.NewPublisherSink(a.publisher, cfg.Topic))
	}
	a.Progress = progress.NewHub(progress.Config{
		MaxBatchEvents: cfg.BatchSize,
		MaxBatchWait:   time.Duration(cfg.BatchWaitMs) * time.Millisecond,
		Logger:         logger,
	}, hubSinks...)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Progress.Close(ctx)
	})
	return nil
}

// BrowserManager builds the chromedp page factory with the memory capacity guard.
func (a *App) BrowserManager() (*browser.Manager, error) {
	cfg := a.Config.Browser
	stealth, err := browser.ParseStealthLevel(a.Config.Stealth.Level)
	if err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}
	manager, err := browser.NewManager(browser.Options{
		Headless:          cfg.Headless,
		ExecPath:          cfg.ExecPath,
		MaxParallel:       cfg.MaxParallel,
		NavigationTimeout: time.Duration(cfg.NavTimeoutSeconds) * time.Second,
		ViewportWidth:     cfg.ViewportWidth,
		ViewportHeight:    cfg.ViewportHeight,
		Stealth:           stealth,
		Capacity:          browser.CapacityGuard{MinFreeBytes: uint64(cfg.MinFreeMemoryMB) << 20},
	}, a.Logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}
	return manager, nil
}

// Workers builds worker.concurrency executors sharing the process services.
func (a *App) Workers(browsers browser.Factory) []*worker.Worker {
	cfg := worker.Config{
		MaxRetries:     a.Config.Worker.MaxRetries,
		BackoffInitial: time.Duration(a.Config.Worker.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(a.Config.Worker.BackoffMaxMs) * time.Millisecond,
		Warmup:         a.Config.Behavior.Warmup,
		WarmupURLs:     a.Config.Behavior.WarmupURLs,
	}
	deps := worker.Deps{
		Queue:    a.Queue,
		Store:    a.Store,
		Registry: a.Registry,
		Browsers: browsers,
		Proxies:  a.Proxies,
		Sessions: a.Sessions,
		Limiter:  a.Limiter,
		Clock:    a.Clock,
		Warmer:   a.Behavior,
	}
	if a.Progress != nil {
		deps.Progress = a.Progress
	}
	workers := make([]*worker.Worker, 0, a.Config.Worker.Concurrency)
	for i := range a.Config.Worker.Concurrency {
		workers = append(workers, worker.New(i+1, deps, cfg, a.Logger.Named("worker")))
	}
	return workers
}

// Dispatcher runs the workers together with the session cleanup and proxy
// health loops.
func (a *App) Dispatcher(browsers browser.Factory) *dispatcher.Dispatcher {
	workers := a.Workers(browsers)
	runners := make([]dispatcher.Runner, 0, len(workers))
	for _, w := range workers {
		runners = append(runners, w)
	}
	cleanupEvery := time.Duration(a.Config.Worker.SessionCleanupMinutes) * time.Minute
	healthEvery := time.Duration(a.Config.Worker.ProxyHealthIntervalSec) * time.Second
	return dispatcher.New(runners, a.Logger.Named("dispatcher"),
		dispatcher.RunnerFunc(func(ctx context.Context) {
			worker.RunSessionCleanup(ctx, a.Sessions, cleanupEvery, a.Logger.Named("session"))
		}),
		dispatcher.RunnerFunc(func(ctx context.Context) {
			a.Proxies.RunHealthChecks(ctx, healthEvery)
		}),
	)
}

// APIServer builds the issuer HTTP API.
func (a *App) APIServer() *api.Server {
	var ready []api.ReadyFunc
	if a.redis != nil {
		ready = append(ready, func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	return api.NewServer(api.Deps{
		Tasks:    a.Issuer,
		Sessions: a.Sessions,
		Proxies:  a.Proxies,
		Ready:    ready,
	}, a.Config.Auth, a.Logger.Named("api"))
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	Requeued        int `json:"requeued"`
	SessionsRemoved int `json:"sessions_removed"`
	HealthyProxies  int `json:"healthy_proxies"`
	TotalProxies    int `json:"total_proxies"`
}

// Sweep re-enqueues up to limit pending tasks, removes expired sessions and
// health-checks every proxy once.
func (a *App) Sweep(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport
	requeued, err := a.Issuer.Requeue(ctx, limit)
	report.Requeued = requeued
	if err != nil {
		return report, err
	}
	removed, err := a.Sessions.CleanupExpired()
	report.SessionsRemoved = removed
	if err != nil {
		return report, fmt.Errorf("clean up sessions: %w", err)
	}
	report.HealthyProxies = a.Proxies.Sweep(ctx)
	report.TotalProxies = a.Proxies.Stats().Total
	return report, nil
}

// Close shuts services down in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
