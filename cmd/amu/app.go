package main

import (
	"context"
	"fmt"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/config"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/command"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/eventhandler"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/query"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/external/anthropic"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/external/certificates"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/messaging"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/memory"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/postgres"
	redisstore "github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/redis"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/scheduler"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/interface/http"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/interface/http/handlers"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// eventBus is what both bus implementations offer.
type eventBus interface {
	shared.EventBus
	Metrics() *messaging.EventBusMetrics
	Close() error
}

// application holds every wired component of the serve command.
type application struct {
	cfg *config.Config
	log *logger.Logger

	enrollments enrollment.Repository
	catalog     curriculum.Catalog
	sink        catalogSink

	bus        eventBus
	dispatcher *messaging.Dispatcher
	// jobs is nil when background jobs are disabled.
	jobs   *scheduler.Scheduler
	health *handlers.HealthChecker
	deps   httpserver.Dependencies

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// buildApp wires stores, caches, the event bus, issuers, the tutor client,
// the command and query handlers and the HTTP dependencies. On error every
// resource acquired so far is released.
func buildApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *application, err error) {
	a := &application{
		cfg:    cfg,
		log:    log,
		health: handlers.NewHealthChecker(cfg.App.Version),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. STORES
	// ─────────────────────────────────────────────────────────────────────────
	var (
		repo     enrollment.Repository
		backlog  enrollment.CertificateBacklog
		watcher  enrollment.Watcher
		learners learner.Directory
		certRepo certificate.Repository
	)

	switch cfg.Database.Store {
	case config.StorePostgres:
		log.Info("connecting to database")
		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.onClose(func() {
			log.Info("closing database connection")
			conn.Close()
		})
		a.health.AddCheck("database", handlers.PingCheck(conn))

		if cfg.Database.MigrateOnStart {
			n, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied", logger.Int("count", n))
		}

		courses := postgres.NewCatalogRepository(conn)
		profiles := postgres.NewLearnerRepository(conn)
		enrollments := postgres.NewEnrollmentRepository(conn, cfg.Recorder.TransactAttempts)
		repo = enrollments
		backlog = enrollments
		a.catalog = courses
		learners = profiles
		certRepo = postgres.NewCertificateRepository(conn)
		a.sink = catalogSink{putCourse: courses.PutCourse, putLearner: profiles.Put}

	default:
		log.Warn("using in-memory enrollment store; state is lost on restart")
		store := memory.NewEnrollmentStore()
		courses := memory.NewCatalog()
		profiles := memory.NewLearnerDirectory()
		repo = store
		backlog = store
		watcher = store
		a.catalog = courses
		learners = profiles
		certRepo = memory.NewCertificateStore()
		a.sink = catalogSink{
			putCourse: func(_ context.Context, c curriculum.Course, modules ...curriculum.Module) error {
				courses.PutCourse(c, modules...)
				return nil
			},
			putLearner: func(_ context.Context, p learner.Profile) error {
				profiles.Put(p)
				return nil
			},
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. REDIS (catalog cache, progress feed, event fan-out)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redisstore.Cache
	if cfg.Redis.Enabled() {
		log.Info("connecting to redis")
		cache, err = redisstore.NewCache(redisConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.onClose(func() {
			if err := cache.Close(); err != nil {
				log.Warn("closing redis", logger.Err(err))
			}
		})
		a.health.AddCheck("redis", handlers.PingCheck(cache))

		a.catalog = redisstore.NewCachedCatalog(a.catalog, cache, cfg.Redis.CatalogTTL, log)

		feed := redisstore.NewProgressFeed(cache, log)
		repo = enrollment.WithNotifier(repo, feed, func(id string, err error) {
			log.Warn("progress notification failed", logger.EnrollmentID(id), logger.Err(err))
		})
		watcher = feed
	}
	a.enrollments = repo

	// ─────────────────────────────────────────────────────────────────────────
	// 3. EVENT BUS + DISPATCHER
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.InMemoryEventBusConfig{
		AsyncMode:      cfg.Events.Async,
		WorkerPoolSize: cfg.Events.Workers,
		Logger:         log,
		EnableMetrics:  true,
	}
	if cache != nil && cfg.Features.Enabled(config.FeatureRedisEventFanout, "") {
		bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         redisstore.NewEventTransport(cache),
			ChannelName:    cfg.Events.RedisChannel,
			LocalBusConfig: busConfig,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("start redis event bus: %w", err)
		}
		a.bus = bus
	} else {
		a.bus = messaging.NewInMemoryEventBus(busConfig)
	}
	a.onClose(func() {
		if err := a.bus.Close(); err != nil {
			log.Warn("closing event bus", logger.Err(err))
		}
	})

	a.dispatcher = messaging.NewDispatcher(a.bus, messaging.DispatcherConfig{
		MaxAttempts:         cfg.Events.HandlerAttempts,
		HandlerTimeout:      cfg.Events.HandlerTimeout,
		DeadLetterQueueSize: cfg.Events.DeadLetterSize,
		Logger:              log,
	})
	a.onClose(a.dispatcher.Stop)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. CERTIFICATES
	// ─────────────────────────────────────────────────────────────────────────
	var (
		issuer       certificate.Issuer
		verification *handlers.CertificateHandler
	)
	switch cfg.Certificates.Issuer {
	case config.IssuerHTTP:
		remote, err := certificates.NewHTTPIssuer(certificates.HTTPIssuerConfig{
			BaseURL:          cfg.Certificates.BaseURL,
			APIKey:           cfg.Certificates.APIKey,
			Timeout:          cfg.Certificates.Timeout,
			BreakerThreshold: cfg.Certificates.BreakerThreshold,
			BreakerTimeout:   cfg.Certificates.BreakerTimeout,
			Logger:           log,
		})
		if err != nil {
			return nil, fmt.Errorf("certificate issuer: %w", err)
		}
		issuer = remote
	default:
		var opts []certificates.LocalIssuerOption
		if cfg.Certificates.SigningKey != "" {
			signer, err := certificates.NewSigner(cfg.Certificates.SigningKey)
			if err != nil {
				return nil, fmt.Errorf("certificate signer: %w", err)
			}
			opts = append(opts, certificates.WithSigner(signer))
			verification = &handlers.CertificateHandler{Verifier: signer}
		}
		issuer = certificates.NewLocalIssuer(certRepo, cfg.Certificates.VerifyBaseURL, opts...)
	}

	certService := command.NewCertificateService(repo, learners, a.catalog, issuer, a.bus, log,
		command.WithClaimLease(cfg.Recorder.CertificateClaimLease))

	mode := command.CertificateMode(cfg.Recorder.CertificateMode)
	if !cfg.Features.Enabled(config.FeatureCertificateIssuance, "") {
		mode = command.CertificateModeDisabled
	}
	if mode == command.CertificateModeAsync {
		onCompleted := eventhandler.NewOnCourseCompletedHandler(certService, log, eventhandler.CourseCompletedConfig{
			Timeout: cfg.Recorder.CertificateTimeout,
		})
		if err := onCompleted.Register(a.dispatcher); err != nil {
			return nil, fmt.Errorf("register course completed handler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. COMMANDS AND QUERIES
	// ─────────────────────────────────────────────────────────────────────────
	recorder := command.NewRecordMilestoneHandler(repo, a.catalog, certService, a.bus, log, command.RecordMilestoneConfig{
		CertificateMode:    mode,
		CertificateTimeout: cfg.Recorder.CertificateTimeout,
	})
	replies := command.NewApplyTutorReplyHandler(recorder, log)
	views := query.NewGetEnrollmentProgressHandler(repo, a.catalog)

	var tutorTurns handlers.TutorTurner
	if cfg.Anthropic.APIKey != "" {
		client, err := anthropic.NewTutorClient(anthropic.Config{
			APIKey:      cfg.Anthropic.APIKey,
			Model:       cfg.Anthropic.Model,
			MaxTokens:   int64(cfg.Anthropic.MaxTokens),
			Temperature: cfg.Anthropic.Temperature,
			Timeout:     cfg.Anthropic.Timeout,
			MaxRetries:  cfg.Anthropic.MaxRetries,
			BaseURL:     cfg.Anthropic.BaseURL,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("tutor client: %w", err)
		}
		tutorTurns = command.NewTutorTurnHandler(repo, a.catalog, client, replies, log)
	} else {
		log.Info("ANTHROPIC_API_KEY not set; tutor turns are disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. BACKGROUND JOBS
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Jobs.Enabled && mode != command.CertificateModeDisabled {
		schedule, err := scheduler.ParseSchedule(cfg.Jobs.ReconcileSchedule)
		if err != nil {
			return nil, fmt.Errorf("JOBS_RECONCILE_SCHEDULE: %w", err)
		}
		a.jobs = scheduler.New(scheduler.Config{Logger: log})
		reconcile := jobs.NewReconcileCertificatesJob(backlog, certService, log, jobs.ReconcileCertificatesConfig{
			BatchSize:   cfg.Jobs.ReconcileBatchSize,
			Concurrency: cfg.Jobs.ReconcileConcurrency,
			Timeout:     cfg.Recorder.CertificateTimeout,
		})
		if err := a.jobs.Register(reconcile, schedule); err != nil {
			return nil, err
		}
	}

	var jobRunner handlers.JobRunner
	if a.jobs != nil {
		jobRunner = a.jobs
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. HTTP DEPENDENCIES
	// ─────────────────────────────────────────────────────────────────────────
	a.deps = httpserver.Dependencies{
		Enrollments: &handlers.EnrollmentHandler{
			Enrollments: repo,
			Catalog:     a.catalog,
			Recorder:    recorder,
			Replies:     replies,
			Tutor:       tutorTurns,
			Views:       views,
			Watcher:     watcher,
			Features:    cfg.Features,
			Log:         log,
			Config:      handlers.DefaultEnrollmentHandlerConfig(),
		},
		Ops: &handlers.OpsHandler{
			DeadLetters: a.dispatcher.DeadLetterQueue(),
			Bus:         a.bus,
			Features:    cfg.Features,
			Jobs:        jobRunner,
		},
		Certificates: verification,
		Health:       a.health,
		Logger:       log,
	}

	log.Info("application wired",
		logger.String("store", cfg.Database.Store),
		logger.Bool("redis", cache != nil),
		logger.String("certificate_mode", string(mode)),
		logger.String("certificate_issuer", cfg.Certificates.Issuer),
		logger.Bool("tutor", tutorTurns != nil),
		logger.Bool("jobs", a.jobs != nil),
	)
	return a, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func postgresConfig(cfg *config.Config) postgres.Config {
	pg := postgres.DefaultConfig()
	pg.URL = cfg.Database.URL
	pg.MaxConns = int32(cfg.Database.MaxConns)
	pg.MinConns = int32(cfg.Database.MinConns)
	pg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pg.ConnectTimeout = cfg.Database.ConnectTimeout
	return pg
}

func redisConfig(cfg *config.Config) redisstore.Config {
	rc := redisstore.DefaultConfig()
	rc.URL = cfg.Redis.URL
	if cfg.Redis.Host != "" {
		rc.Host = cfg.Redis.Host
		rc.Port = cfg.Redis.Port
	}
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	rc.PoolSize = cfg.Redis.PoolSize
	rc.MinIdleConns = cfg.Redis.MinIdleConns
	rc.DialTimeout = cfg.Redis.DialTimeout
	rc.ReadTimeout = cfg.Redis.ReadTimeout
	rc.WriteTimeout = cfg.Redis.WriteTimeout
	return rc
}

func httpConfig(cfg *config.Config) httpserver.Config {
	hc := httpserver.DefaultConfig()
	hc.Host = cfg.HTTP.Host
	hc.Port = cfg.HTTP.Port
	hc.ReadTimeout = cfg.HTTP.ReadTimeout
	hc.WriteTimeout = cfg.HTTP.WriteTimeout
	hc.IdleTimeout = cfg.HTTP.IdleTimeout
	hc.AllowedOrigins = cfg.HTTP.AllowedOrigins
	hc.APIKeyHeader = cfg.HTTP.APIKeyHeader
	hc.APIKeyHashes = cfg.HTTP.APIKeyHashes
	hc.RateLimit.RequestsPerMinute = cfg.HTTP.RateLimitPerMin
	hc.RateLimit.BurstSize = cfg.HTTP.RateLimitBurst
	hc.Debug = cfg.App.Debug
	return hc
}

// shutdownTimeout falls back to 30s when unset.
func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.App.ShutdownTimeout > 0 {
		return cfg.App.ShutdownTimeout
	}
	return 30 * time.Second
}
