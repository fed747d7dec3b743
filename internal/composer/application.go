package composer

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/common"
	"github.com/cbg-ethz/sigcomposer/internal/common/config"
	"github.com/cbg-ethz/sigcomposer/internal/common/health"
	"github.com/cbg-ethz/sigcomposer/internal/common/logging"
	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
	"github.com/cbg-ethz/sigcomposer/internal/common/serve"
	"github.com/cbg-ethz/sigcomposer/internal/common/task"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/composer/configuration"
	"github.com/cbg-ethz/sigcomposer/internal/jobqueue"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache/repository"
	"github.com/cbg-ethz/sigcomposer/internal/session"
	"github.com/cbg-ethz/sigcomposer/internal/upstream"
	"github.com/cbg-ethz/sigcomposer/internal/worker"
)

const backgroundTaskShutdownTimeout = 5 * time.Second

// Brokers that park claimed jobs per consumer implement this to hand back jobs of dead consumers.
type orphanRequeuer interface {
	RequeueOrphans() error
}

type App struct {
	Config *configuration.ComposerConfiguration
}

func New(config *configuration.ComposerConfiguration) *App {
	return &App{Config: config}
}

// RectifyConfig replaces unusable values with defaults.
func RectifyConfig(c *configuration.ComposerConfiguration) {
	logger := log.WithField("composer", "RectifyConfig")
	defaults := jobqueue.DefaultConfig()
	if c.JobQueue.HeartbeatDeadline <= 0 {
		logger.WithFields(log.Fields{
			"default":    defaults.HeartbeatDeadline,
			"configured": c.JobQueue.HeartbeatDeadline,
		}).Warn("JobQueue.HeartbeatDeadline invalid, using default instead")
		c.JobQueue.HeartbeatDeadline = defaults.HeartbeatDeadline
	}
	if c.JobQueue.MaxRetries < 0 {
		logger.WithFields(log.Fields{
			"default":    defaults.MaxRetries,
			"configured": c.JobQueue.MaxRetries,
		}).Warn("JobQueue.MaxRetries invalid, using default instead")
		c.JobQueue.MaxRetries = defaults.MaxRetries
	}
	if c.JobQueue.WatchdogInterval <= 0 {
		logger.WithFields(log.Fields{
			"default":    defaults.WatchdogInterval,
			"configured": c.JobQueue.WatchdogInterval,
		}).Warn("JobQueue.WatchdogInterval invalid, using default instead")
		c.JobQueue.WatchdogInterval = defaults.WatchdogInterval
	}
	if c.ResultCache.Eviction.Capacity <= 0 {
		logger.WithFields(log.Fields{
			"default":    1000,
			"configured": c.ResultCache.Eviction.Capacity,
		}).Warn("ResultCache.Eviction.Capacity invalid, using default instead")
		c.ResultCache.Eviction.Capacity = 1000
	}
	if c.ResultCache.Eviction.PurgeInterval <= 0 {
		logger.WithFields(log.Fields{
			"default":    time.Minute,
			"configured": c.ResultCache.Eviction.PurgeInterval,
		}).Warn("ResultCache.Eviction.PurgeInterval invalid, using default instead")
		c.ResultCache.Eviction.PurgeInterval = time.Minute
	}
	if c.Session.IdleTimeout <= 0 {
		logger.WithFields(log.Fields{
			"default":    24 * time.Hour,
			"configured": c.Session.IdleTimeout,
		}).Warn("Session.IdleTimeout invalid, using default instead")
		c.Session.IdleTimeout = 24 * time.Hour
	}
	if c.EmbeddedWorker.Pool.Concurrency <= 0 {
		c.EmbeddedWorker.Pool.Concurrency = 1
	}
	if c.EmbeddedWorker.Pool.HeartbeatInterval <= 0 {
		c.EmbeddedWorker.Pool.HeartbeatInterval = c.JobQueue.HeartbeatDeadline / 3
	}
}

func (a *App) StartUp(ctx context.Context) (err error) {
	RectifyConfig(a.Config)
	if err := config.Validate(a.Config); err != nil {
		return errors.Wrap(err, "invalid composer configuration")
	}
	common.SetLogLevel(a.Config.LogLevel)
	if a.Config.Broker.Type == broker.TypeMemory && !a.Config.EmbeddedWorker.Enabled {
		log.Warn("the in-process broker is configured without embedded workers; submitted jobs will never run")
	}

	clock := &util.DefaultClock{}
	var teardown []func() error
	defer func() {
		var result *multierror.Error
		result = multierror.Append(result, err)
		for i := len(teardown) - 1; i >= 0; i-- {
			result = multierror.Append(result, teardown[i]())
		}
		err = result.ErrorOrNil()
	}()

	b, brokerCleanup, err := broker.New(a.Config.Broker)
	if err != nil {
		return err
	}
	teardown = append(teardown, func() error {
		defer brokerCleanup()
		return errors.Wrap(b.Close(), "closing broker")
	})

	repo, err := repository.New(a.Config.ResultCache.Repository, a.Config.ResultCache.Eviction.Capacity, clock)
	if err != nil {
		return err
	}
	teardown = append(teardown, func() error {
		return errors.Wrap(repo.Close(), "closing result cache")
	})
	cache := resultcache.New(repo, clock, a.Config.ResultCache.Eviction)
	jobs := jobqueue.NewClient(cache, b, clock, a.Config.JobQueue)

	sessionRepo, sessionCleanup, err := session.NewRepository(a.Config.Session)
	if err != nil {
		return err
	}
	sessions := session.NewManager(sessionRepo, clock, a.Config.Session.IdleTimeout)
	service := NewService(sessions, upstream.NewClient(a.Config.Upstream), jobs, cache, clock)
	teardown = append(teardown, func() error {
		defer sessionCleanup()
		return errors.Wrap(service.Flush(context.Background()), "flushing sessions")
	})

	var pool *worker.Pool
	if a.Config.EmbeddedWorker.Enabled {
		registry := worker.NewRegistryFromConfig(a.Config.EmbeddedWorker.Executors)
		if len(registry.Kinds()) == 0 {
			return errors.New("embedded workers are enabled but no executors are configured")
		}
		pool = worker.NewPool(b, registry, clock, a.Config.EmbeddedWorker.Pool)
	}

	startupComplete := health.NewStartupCompleteChecker()
	checker := health.NewMultiChecker(
		startupComplete,
		health.CheckerFunc(func() error { return b.HealthCheck(ctx) }),
		health.CheckerFunc(func() error { return cache.HealthCheck(ctx) }),
		health.CheckerFunc(func() error { return sessions.HealthCheck(ctx) }),
	)
	router := serve.NewRouter()
	health.SetupGinRoute(router, checker)
	metrics.SetupGinRoute(router)
	RegisterRoutes(router, service)

	g, ctx := errgroup.WithContext(ctx)

	taskManager := task.NewBackgroundTaskManager()
	taskManager.Register(func() {
		if err := jobs.CheckHeartbeats(ctx); err != nil {
			logging.WithStacktrace(log.WithField("task", "heartbeat_watchdog"), err).Error("heartbeat check failed")
		}
	}, a.Config.JobQueue.WatchdogInterval, "heartbeat_watchdog")
	taskManager.Register(func() {
		purged, err := cache.PurgeExpired(ctx)
		if err != nil {
			logging.WithStacktrace(log.WithField("task", "result_cache_purge"), err).Error("purging the result cache failed")
			return
		}
		if purged > 0 {
			log.WithField("task", "result_cache_purge").Infof("purged %d job records", purged)
		}
	}, a.Config.ResultCache.Eviction.PurgeInterval, "result_cache_purge")
	if orphans, ok := b.(orphanRequeuer); ok {
		taskManager.Register(func() {
			if err := orphans.RequeueOrphans(); err != nil {
				logging.WithStacktrace(log.WithField("task", "requeue_orphans"), err).Warn("requeueing orphaned jobs failed")
			}
		}, a.Config.JobQueue.WatchdogInterval, "requeue_orphans")
	}
	teardown = append(teardown, func() error {
		if taskManager.StopAll(backgroundTaskShutdownTimeout) {
			log.Warn("background tasks did not stop in time")
		}
		return nil
	})

	g.Go(func() error {
		return serve.ListenAndServe(ctx, a.Config.HttpPort, router)
	})
	g.Go(func() error {
		return jobs.Run(ctx)
	})
	if pool != nil {
		g.Go(func() error {
			return pool.Run(ctx)
		})
	}
	startupComplete.MarkComplete()
	log.WithField("port", a.Config.HttpPort).Info("composer started")

	return g.Wait()
}
