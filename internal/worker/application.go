package worker

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
	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
	"github.com/cbg-ethz/sigcomposer/internal/common/serve"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/worker/configuration"
)

type App struct {
	Config *configuration.WorkerConfiguration
}

func New(config *configuration.WorkerConfiguration) *App {
	return &App{Config: config}
}

// RectifyConfig replaces unusable values with defaults.
func RectifyConfig(c *configuration.WorkerConfiguration) {
	logger := log.WithField("worker", "RectifyConfig")
	if c.Pool.Concurrency <= 0 {
		logger.WithFields(log.Fields{
			"default":    1,
			"configured": c.Pool.Concurrency,
		}).Warn("Pool.Concurrency invalid, using default instead")
		c.Pool.Concurrency = 1
	}
	if c.Pool.HeartbeatInterval <= 0 {
		defaultInterval := 5 * time.Second
		logger.WithFields(log.Fields{
			"default":    defaultInterval,
			"configured": c.Pool.HeartbeatInterval,
		}).Warn("Pool.HeartbeatInterval invalid, using default instead")
		c.Pool.HeartbeatInterval = defaultInterval
	}
}

// NewRegistryFromConfig registers a command executor for every configured job kind.
func NewRegistryFromConfig(executors map[jobspec.Kind]configuration.CommandConfig) *Registry {
	registry := NewRegistry()
	for kind, command := range executors {
		registry.Register(kind, NewCommandExecutor(command))
	}
	return registry
}

func (a *App) StartUp(ctx context.Context) (err error) {
	RectifyConfig(a.Config)
	if err := config.Validate(a.Config); err != nil {
		return errors.Wrap(err, "invalid worker configuration")
	}
	common.SetLogLevel(a.Config.LogLevel)
	if a.Config.Broker.Type == broker.TypeMemory {
		return errors.New("a standalone worker cannot use the in-process broker")
	}

	b, cleanup, err := broker.New(a.Config.Broker)
	if err != nil {
		return err
	}
	defer func() {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if closeErr := b.Close(); closeErr != nil {
			result = multierror.Append(result, errors.Wrap(closeErr, "closing broker"))
		}
		cleanup()
		err = result.ErrorOrNil()
	}()

	registry := NewRegistryFromConfig(a.Config.Executors)
	if len(registry.Kinds()) == 0 {
		return errors.New("no executors configured")
	}
	pool := NewPool(b, registry, &util.DefaultClock{}, a.Config.Pool)

	startupComplete := health.NewStartupCompleteChecker()
	checker := health.NewMultiChecker(startupComplete, health.CheckerFunc(func() error {
		return b.HealthCheck(ctx)
	}))
	router := serve.NewRouter()
	health.SetupGinRoute(router, checker)
	metrics.SetupGinRoute(router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve.ListenAndServe(ctx, a.Config.HttpPort, router)
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
	startupComplete.MarkComplete()
	log.WithField("worker", pool.ID()).Info("worker started")

	return g.Wait()
}
