package jobqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/logging"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// TaskHandle identifies a submitted job. State is the state of the record when the handle was
// issued; use Poll for the current one.
type TaskHandle struct {
	Fingerprint jobspec.Fingerprint  `json:"fingerprint"`
	TaskID      string               `json:"task_id"`
	State       resultcache.JobState `json:"state"`
}

// Client submits jobs through the broker and keeps the result cache in step with the events
// workers send back. Submission never waits for a worker.
type Client struct {
	cache   *resultcache.Cache
	broker  broker.Broker
	tracker *Tracker
	clock   util.Clock
	config  Config
	log     *log.Entry
}

func NewClient(cache *resultcache.Cache, b broker.Broker, clock util.Clock, config Config) *Client {
	return &Client{
		cache:   cache,
		broker:  b,
		tracker: NewTracker(cache),
		clock:   clock,
		config:  config,
		log:     log.WithField("component", "jobqueue"),
	}
}

// Submit returns the handle of the job computing spec, starting it if no record exists for the
// fingerprint. created is true only for the caller that started the computation. A failure to
// reach the broker is reported as ErrJobSubmission and leaves no record behind.
func (c *Client) Submit(ctx context.Context, spec jobspec.JobSpec, observer string) (TaskHandle, bool, error) {
	fingerprint := spec.Fingerprint()
	rec, created, err := c.cache.PutOrGetExisting(ctx, fingerprint, observer,
		func() *resultcache.JobRecord {
			return resultcache.NewPendingRecord(spec, util.NewTaskID(1), c.clock.Now())
		},
		func(ctx context.Context, rec *resultcache.JobRecord) error {
			return c.broker.Submit(ctx, broker.JobMessage{
				TaskID:      rec.TaskID,
				Fingerprint: rec.Fingerprint,
				Spec:        rec.Spec,
				Attempt:     1,
				EnqueuedAt:  c.clock.Now(),
			})
		})
	if err != nil {
		return TaskHandle{}, false, err
	}
	jobsSubmitted.WithLabelValues(string(spec.Kind), strconv.FormatBool(created)).Inc()
	if created {
		c.log.WithFields(log.Fields{
			"fingerprint": fingerprint.Short(),
			"task":        rec.TaskID,
			"kind":        spec.Kind,
		}).Info("submitted job")
	}
	return TaskHandle{Fingerprint: rec.Fingerprint, TaskID: rec.TaskID, State: rec.State}, created, nil
}

// Poll returns the current status of a submitted job without blocking.
func (c *Client) Poll(ctx context.Context, handle TaskHandle) (*JobStatus, error) {
	return c.tracker.Status(ctx, handle.Fingerprint)
}

func (c *Client) Tracker() *Tracker {
	return c.tracker
}

// Run applies task events to the result cache until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.log.Info("listening for task events")
	err := c.broker.Listen(ctx, func(ctx context.Context, event broker.TaskEvent) {
		if err := c.HandleEvent(ctx, event); err != nil {
			logging.WithStacktrace(c.log.WithField("task", event.TaskID), err).Error("failed to apply task event")
		}
	})
	return errors.WithMessage(err, "listening for task events")
}

// HandleEvent moves the job record the event refers to along the state machine. Events that are
// duplicated, late or refer to a superseded attempt leave the record unchanged.
func (c *Client) HandleEvent(ctx context.Context, event broker.TaskEvent) error {
	now := c.clock.Now()
	rec, changed, err := c.cache.Update(ctx, event.Fingerprint, func(rec *resultcache.JobRecord) error {
		return applyEvent(rec, event, now)
	})
	var notFound *composererrors.ErrNotFound
	if errors.As(err, &notFound) {
		// The record was forgotten or evicted while the task was in flight.
		eventsHandled.WithLabelValues(string(event.Type), "unknown").Inc()
		c.log.WithField("fingerprint", event.Fingerprint.Short()).Debugf("dropping %s event for unknown job", event.Type)
		return nil
	}
	if err != nil {
		eventsHandled.WithLabelValues(string(event.Type), "error").Inc()
		return err
	}
	if !changed {
		eventsHandled.WithLabelValues(string(event.Type), "ignored").Inc()
		return nil
	}
	eventsHandled.WithLabelValues(string(event.Type), "applied").Inc()
	if rec.State.IsTerminal() {
		c.log.WithFields(log.Fields{
			"fingerprint": rec.Fingerprint.Short(),
			"task":        event.TaskID,
			"worker":      event.WorkerID,
		}).Infof("job finished with state %s", rec.State)
	}
	return nil
}

func applyEvent(rec *resultcache.JobRecord, event broker.TaskEvent, now time.Time) error {
	if rec.State.IsTerminal() {
		return resultcache.ErrSkipUpdate
	}
	switch event.Type {
	case broker.EventClaimed, broker.EventHeartbeat, broker.EventProgress:
		if event.TaskID != rec.TaskID {
			return resultcache.ErrSkipUpdate
		}
		if err := ensureRunning(rec, now); err != nil {
			return err
		}
		rec.HeartbeatAt = now
		if event.Progress != nil {
			p := *event.Progress
			rec.Progress = &p
		}
	case broker.EventSucceeded:
		// Results depend only on the fingerprint, so a superseded attempt that finishes first
		// still completes the job.
		if err := ensureRunning(rec, now); err != nil {
			return err
		}
		if err := rec.TransitionTo(resultcache.Success, now); err != nil {
			return err
		}
		rec.TaskID = event.TaskID
		rec.Result = event.Result
		rec.ErrorDetail = ""
	case broker.EventFailed:
		if event.TaskID != rec.TaskID {
			return resultcache.ErrSkipUpdate
		}
		if err := ensureRunning(rec, now); err != nil {
			return err
		}
		if err := rec.TransitionTo(resultcache.Failed, now); err != nil {
			return err
		}
		rec.FailureReason = resultcache.FailureExecution
		rec.ErrorDetail = event.ErrorDetail
		if rec.ErrorDetail == "" {
			rec.ErrorDetail = "worker reported a failure without detail"
		}
	default:
		return errors.Errorf("unknown task event type %q", event.Type)
	}
	return nil
}

// ensureRunning promotes a record whose claim event has not been seen yet. Events from one task
// may arrive out of order.
func ensureRunning(rec *resultcache.JobRecord, now time.Time) error {
	if rec.State == resultcache.Running {
		return nil
	}
	if err := rec.TransitionTo(resultcache.Running, now); err != nil {
		return err
	}
	rec.HeartbeatAt = now
	return nil
}
