package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/common/logging"
	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/worker/configuration"
)

var executionDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    metrics.MetricPrefix + "worker_execution_seconds",
		Help:    "Time spent executing jobs by kind and outcome",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
	},
	[]string{"kind", "outcome"},
)

var jobsInFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: metrics.MetricPrefix + "worker_jobs_in_flight",
		Help: "Jobs currently being executed by this worker",
	},
)

// Pool pulls jobs from the broker and executes them, reporting back through task events.
type Pool struct {
	id       string
	broker   broker.Broker
	registry *Registry
	clock    util.Clock
	config   configuration.PoolConfig
	log      *log.Entry
}

func NewPool(b broker.Broker, registry *Registry, clock util.Clock, config configuration.PoolConfig) *Pool {
	id := uuid.New().String()
	return &Pool{
		id:       id,
		broker:   b,
		registry: registry,
		clock:    clock,
		config:   config,
		log:      log.WithFields(log.Fields{"component": "worker", "worker": id}),
	}
}

func (p *Pool) ID() string {
	return p.id
}

// Run consumes jobs with Concurrency consumers until ctx is cancelled. Jobs interrupted by the
// shutdown are not reported and will be delivered again by the broker.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Infof("starting %d consumers for kinds %v", p.config.Concurrency, p.registry.Kinds())
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		g.Go(func() error {
			return p.broker.Consume(ctx, p.process)
		})
	}
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, msg broker.JobMessage) {
	logger := p.log.WithFields(log.Fields{
		"fingerprint": msg.Fingerprint.Short(),
		"task":        msg.TaskID,
		"attempt":     msg.Attempt,
	})
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	p.notify(ctx, logger, p.event(broker.EventClaimed, msg))
	logger.Infof("executing %s job", msg.Spec.Kind)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(heartbeatCtx, logger, msg)
	}()

	start := p.clock.Now()
	result, err := p.execute(ctx, msg, logger)
	stopHeartbeat()
	wg.Wait()

	if ctx.Err() != nil {
		logger.Info("shutting down, leaving job for another worker")
		return
	}

	var event broker.TaskEvent
	if err != nil {
		executionDuration.WithLabelValues(string(msg.Spec.Kind), "failed").Observe(p.clock.Now().Sub(start).Seconds())
		logging.WithStacktrace(logger, err).Warn("job failed")
		event = p.event(broker.EventFailed, msg)
		event.ErrorDetail = err.Error()
	} else {
		executionDuration.WithLabelValues(string(msg.Spec.Kind), "succeeded").Observe(p.clock.Now().Sub(start).Seconds())
		logger.Info("job succeeded")
		event = p.event(broker.EventSucceeded, msg)
		event.Result = result
	}
	p.notify(ctx, logger, event)
}

func (p *Pool) execute(ctx context.Context, msg broker.JobMessage, logger *log.Entry) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("executor panicked: %v\n%s", r, debug.Stack())
			err = errors.Errorf("executor panicked: %v", r)
		}
	}()

	executor, err := p.registry.Get(msg.Spec.Kind)
	if err != nil {
		return nil, err
	}
	if p.config.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.MaxRuntime)
		defer cancel()
	}
	result, err = executor.Execute(ctx, msg.Spec, func(progress resultcache.Progress) {
		event := p.event(broker.EventProgress, msg)
		event.Progress = &progress
		p.notify(ctx, logger, event)
	})
	if errors.Is(err, context.DeadlineExceeded) || (err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return nil, errors.Errorf("exceeded maximum runtime of %s", p.config.MaxRuntime)
	}
	return result, err
}

func (p *Pool) heartbeat(ctx context.Context, logger *log.Entry, msg broker.JobMessage) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.notify(ctx, logger, p.event(broker.EventHeartbeat, msg))
		}
	}
}

func (p *Pool) event(eventType broker.EventType, msg broker.JobMessage) broker.TaskEvent {
	return broker.TaskEvent{
		Type:        eventType,
		TaskID:      msg.TaskID,
		Fingerprint: msg.Fingerprint,
		WorkerID:    p.id,
		At:          p.clock.Now(),
	}
}

// notify only logs failures. A lost heartbeat or claim is covered by the submitting side's
// deadline, a lost completion by the resubmission that follows.
func (p *Pool) notify(ctx context.Context, logger *log.Entry, event broker.TaskEvent) {
	if err := p.broker.Notify(ctx, event); err != nil && ctx.Err() == nil {
		logging.WithStacktrace(logger, err).Warnf("failed to send %s event", event.Type)
	}
}
