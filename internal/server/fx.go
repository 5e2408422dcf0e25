// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/portal-extractor/internal/api"
	"github.com/JakeFAU/portal-extractor/internal/browser"
	"github.com/JakeFAU/portal-extractor/internal/captcha"
	"github.com/JakeFAU/portal-extractor/internal/clock/system"
	"github.com/JakeFAU/portal-extractor/internal/config"
	"github.com/JakeFAU/portal-extractor/internal/dispatcher"
	"github.com/JakeFAU/portal-extractor/internal/document"
	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/hash/sha256"
	"github.com/JakeFAU/portal-extractor/internal/id/uuid"
	"github.com/JakeFAU/portal-extractor/internal/lock"
	"github.com/JakeFAU/portal-extractor/internal/logging"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
	"github.com/JakeFAU/portal-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/portal-extractor/internal/portal"
	memorypublisher "github.com/JakeFAU/portal-extractor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/portal-extractor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/portal-extractor/internal/queue/memory"
	badgerstore "github.com/JakeFAU/portal-extractor/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/portal-extractor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/portal-extractor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/portal-extractor/internal/storage/memory"
	pgstore "github.com/JakeFAU/portal-extractor/internal/storage/postgres"
	"github.com/JakeFAU/portal-extractor/internal/verification"
	"github.com/JakeFAU/portal-extractor/internal/verification/email"
	"github.com/JakeFAU/portal-extractor/internal/verification/phone"
	"github.com/JakeFAU/portal-extractor/internal/webhook"
	"github.com/JakeFAU/portal-extractor/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	webhooks        *webhook.Dispatcher
	broker          *captcha.Broker
	pool            *browser.Pool
	queue           *queueMemory.Queue
	kv              extractor.KVStore
	kvClose         func()
	purgeCron       *cron.Cron
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		StoreBackend string `json:"store_backend"`
		BlobBackend  string `json:"storage_backend"`
		MaxSessions  int    `json:"max_sessions"`
		EmailEnabled bool   `json:"email_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		StoreBackend: cfg.Store.Backend,
		BlobBackend:  cfg.Storage.Backend,
		MaxSessions:  cfg.Browser.MaxSessions,
		EmailEnabled: cfg.Email.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts background services and the HTTP server, and blocks until the
// context is canceled or a SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.broker.Start(); err != nil {
		return fmt.Errorf("captcha sweeper start: %w", err)
	}
	if a.purgeCron != nil {
		a.purgeCron.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.webhooks.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("application stopped with error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.broker != nil {
		a.broker.Stop()
	}
	if a.pool != nil {
		a.pool.CloseAll()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.purgeCron != nil {
		select {
		case <-a.purgeCron.Stop().Done():
		case <-ctx.Done():
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.kvClose != nil {
		a.kvClose()
	}
}

// Build creates the application's dependencies. A nil routine leaves jobs
// failing with portal.ErrRoutineNotConfigured.
func Build(ctx context.Context, cfg *config.Config, routine portal.Routine) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")

	clock := system.New()
	if err := setupKV(ctx, app, clock); err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.webhooks = webhook.New(webhook.Config{
		Workers:     cfg.Webhook.Workers,
		Buffer:      cfg.Webhook.Buffer,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BackoffBase: cfg.Webhook.BackoffBase,
		Timeout:     cfg.Webhook.Timeout,
		UserAgent:   cfg.Webhook.UserAgent,
		Topic:       cfg.PubSub.TopicName,
	}, publisher, logger.Named("webhook"))

	app.broker = captcha.NewBroker(memoryStorage.NewCaptchaStore(), captcha.Config{
		Timeout:       cfg.Captcha.Timeout,
		PollInterval:  cfg.Captcha.PollInterval,
		SweepSchedule: cfg.Captcha.SweepSchedule,
		MaxAge:        cfg.Captcha.MaxAge,
		PublicBaseURL: cfg.Server.PublicBaseURL,
	}, clock, uuid.NewRandom(), logger.Named("captcha"))

	phoneCfg := phone.Config{
		Key:          cfg.Phone.CodeKey,
		PollInterval: cfg.Verification.PollInterval,
		DepositTTL:   cfg.Phone.DepositTTL,
	}
	coordinator, err := setupVerification(app, clock, phoneCfg)
	if err != nil {
		return nil, err
	}

	app.pool = browser.NewPool(browser.NewChromedpLauncher(browser.ChromedpConfig{
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
		ExecPath:  cfg.Browser.ExecPath,
	}, logger.Named("chrome")), cfg.Browser.MaxSessions, logger.Named("browser_pool"))

	jobStore := memoryStorage.NewJobStore()
	ids := uuid.New()
	app.queue = queueMemory.NewQueue(cfg.Jobs.QueueDepth)
	deps := worker.Dependencies{
		Queue:     app.queue,
		Jobs:      jobStore,
		Pool:      app.pool,
		Routine:   routine,
		Captcha:   app.broker,
		Verifier:  coordinator,
		Documents: document.NewProcessor(blobStore, sha256.New(), cfg.Storage.Prefix, logger.Named("documents")),
		Notifier:  app.webhooks,
		Retry:     extractor.NewExponentialRetryPolicy(cfg.Jobs.MaxAttempts, cfg.Jobs.BackoffBase, cfg.Jobs.BackoffMax),
		Limiter:   ratelimit.New(ratelimit.Config{Starts: cfg.Jobs.StartRate, Window: cfg.Jobs.StartWindow}),
		Clock:     clock,
	}
	workerCfg := worker.Config{
		StartJitter: cfg.Jobs.StartJitter,
		JobTimeout:  cfg.Jobs.Timeout,
	}
	app.logger.Info("worker config",
		zap.Int("workers", app.pool.Capacity()),
		zap.Int("max_attempts", cfg.Jobs.MaxAttempts),
		zap.Duration("start_interval", cfg.JobStartInterval()),
		zap.Duration("start_jitter", workerCfg.StartJitter),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
	)

	// One worker per browser slot keeps queued jobs in the queue rather than
	// parked on the pool.
	workers := make([]*worker.Worker, 0, app.pool.Capacity())
	for i := 0; i < app.pool.Capacity(); i++ {
		workers = append(workers, worker.New(deps, workerCfg, logger.Named("worker").With(zap.Int("index", i))))
	}
	app.dispatch = dispatcher.New(app.queue, jobStore, ids, clock, workers, logger.Named("dispatcher"))

	app.apiServer = api.NewServer(
		app.dispatch,
		phone.NewDepositor(app.kv, phoneCfg),
		app.broker,
		*cfg,
		logger.Named("api"),
	)
	return app, nil
}

func setupKV(ctx context.Context, app *App, clock extractor.Clock) error {
	switch app.cfg.Store.Backend {
	case "postgres":
		app.logger.Info("using postgres kv backend", zap.String("table", app.cfg.Store.Postgres.Table))
		pg := app.cfg.Store.Postgres
		kv, err := pgstore.NewKVStore(ctx, pgstore.KVStoreConfig{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres kv init failed: %w", err)
		}
		if err := kv.EnsureSchema(ctx); err != nil {
			kv.Close()
			return fmt.Errorf("postgres kv schema failed: %w", err)
		}
		app.kv = kv
		app.kvClose = kv.Close
		return setupPurge(app, kv, pg.PurgeSchedule)
	case "badger":
		app.logger.Info("using badger kv backend", zap.String("dir", app.cfg.Store.Badger.Dir))
		kv, err := badgerstore.Open(badgerstore.Config{
			Dir:      app.cfg.Store.Badger.Dir,
			InMemory: app.cfg.Store.Badger.InMemory,
		}, app.logger.Named("badger"))
		if err != nil {
			return fmt.Errorf("badger kv init failed: %w", err)
		}
		app.kv = kv
		app.kvClose = func() {
			if err := kv.Close(); err != nil {
				app.logger.Warn("badger close failed", zap.Error(err))
			}
		}
	default:
		app.logger.Warn("using in-memory kv backend; locks are not shared across processes")
		app.kv = memoryStorage.NewKV(clock)
	}
	return nil
}

func setupPurge(app *App, kv *pgstore.KVStore, schedule string) error {
	if schedule == "" {
		return nil
	}
	app.purgeCron = cron.New()
	_, err := app.purgeCron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := kv.PurgeExpired(ctx)
		if err != nil {
			app.logger.Warn("kv purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			app.logger.Debug("kv purge removed expired rows", zap.Int64("rows", n))
		}
	})
	if err != nil {
		return fmt.Errorf("kv purge schedule %q: %w", schedule, err)
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (extractor.BlobStore, error) {
	var blobStore extractor.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (extractor.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupVerification(app *App, clock extractor.Clock, phoneCfg phone.Config) (*verification.Coordinator, error) {
	cfg := app.cfg
	locks := lock.NewManager(app.kv, lock.Config{
		TTL:          cfg.Lock.TTL,
		PollInterval: cfg.Lock.PollInterval,
		MaxWait:      cfg.Lock.MaxWait,
	}, app.logger.Named("lock"))

	phonePoller := phone.NewPoller(app.kv, phoneCfg, app.logger.Named("phone"))

	var emailPoller verification.CodePoller
	if cfg.Email.Enabled {
		codes, err := email.NewExtractor(cfg.Email.CodePattern)
		if err != nil {
			return nil, fmt.Errorf("email code pattern: %w", err)
		}
		dial := email.IMAPDialer(email.IMAPConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			Mailbox:  cfg.Email.Mailbox,
			UseTLS:   cfg.Email.TLS,
			Timeout:  30 * time.Second,
		})
		emailPoller = email.NewPoller(dial, codes, email.Config{
			SubjectTag:   cfg.Email.SubjectTag,
			From:         cfg.Email.From,
			PollInterval: cfg.Verification.PollInterval,
			SinceMargin:  cfg.Email.SinceMargin,
		}, app.logger.Named("email"))
		app.logger.Info("email verification enabled", zap.String("host", cfg.Email.Host))
	} else {
		app.logger.Info("email verification disabled")
	}

	return verification.NewCoordinator(locks, phonePoller, emailPoller, verification.Config{
		PhoneKey:    cfg.Lock.PhoneKey,
		EmailKey:    cfg.Lock.EmailKey,
		LockWait:    cfg.Lock.MaxWait,
		CodeTimeout: cfg.Verification.CodeTimeout,
	}, clock, uuid.New(), app.logger.Named("verification")), nil
}
