package jobqueue

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// CheckHeartbeats resubmits running jobs whose heartbeat deadline has passed, and fails those
// that have used up their retries. Pending jobs are waiting in the broker queue and have no
// deadline; retried attempts waiting there only have the optional queue deadline.
func (c *Client) CheckHeartbeats(ctx context.Context) error {
	active, err := c.cache.ListActive(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, rec := range active {
		if !c.isStale(rec) {
			continue
		}
		if rec.RetryCount >= c.config.MaxRetries {
			err = c.failTimedOut(ctx, rec)
		} else {
			err = c.resubmit(ctx, rec)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Client) isStale(rec *resultcache.JobRecord) bool {
	var deadline time.Duration
	switch rec.State {
	case resultcache.Running:
		deadline = c.config.HeartbeatDeadline
	case resultcache.Retrying:
		// Nobody has claimed the attempt yet, so a missing heartbeat only means a busy queue.
		if c.config.QueueDeadline <= 0 {
			return false
		}
		deadline = c.config.QueueDeadline
	default:
		return false
	}
	last := rec.HeartbeatAt
	if last.IsZero() {
		last = rec.UpdatedAt
	}
	return c.clock.Now().Sub(last) > deadline
}

// stillLost guards against a heartbeat or a completion arriving between listing and updating.
func (c *Client) stillLost(current, seen *resultcache.JobRecord) bool {
	return current.TaskID == seen.TaskID && c.isStale(current)
}

// resubmit publishes a new attempt before recording it, so a crash in between at worst causes a
// duplicate attempt whose events are ignored.
func (c *Client) resubmit(ctx context.Context, rec *resultcache.JobRecord) error {
	attempt := rec.RetryCount + 2
	taskID := util.NewTaskID(attempt)
	err := c.broker.Submit(ctx, broker.JobMessage{
		TaskID:      taskID,
		Fingerprint: rec.Fingerprint,
		Spec:        rec.Spec,
		Attempt:     attempt,
		EnqueuedAt:  c.clock.Now(),
	})
	if err != nil {
		return &composererrors.ErrJobSubmission{Fingerprint: string(rec.Fingerprint), Cause: err}
	}

	now := c.clock.Now()
	_, changed, err := c.cache.Update(ctx, rec.Fingerprint, func(current *resultcache.JobRecord) error {
		if !c.stillLost(current, rec) {
			return resultcache.ErrSkipUpdate
		}
		if current.State == resultcache.Running {
			if err := current.TransitionTo(resultcache.Retrying, now); err != nil {
				return err
			}
		}
		current.TaskID = taskID
		current.RetryCount++
		current.HeartbeatAt = now
		current.Progress = nil
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		jobsResubmitted.Inc()
		logger := c.log.WithFields(log.Fields{
			"fingerprint": rec.Fingerprint.Short(),
			"task":        taskID,
			"attempt":     attempt,
		})
		if rec.State == resultcache.Retrying {
			logger.Warnf("task %s was not claimed within %s, resubmitted", rec.TaskID, c.config.QueueDeadline)
		} else {
			logger.Warnf("no heartbeat from task %s within %s, resubmitted", rec.TaskID, c.config.HeartbeatDeadline)
		}
	}
	return nil
}

func (c *Client) failTimedOut(ctx context.Context, rec *resultcache.JobRecord) error {
	now := c.clock.Now()
	_, changed, err := c.cache.Update(ctx, rec.Fingerprint, func(current *resultcache.JobRecord) error {
		if !c.stillLost(current, rec) {
			return resultcache.ErrSkipUpdate
		}
		if current.State == resultcache.Running {
			if err := current.TransitionTo(resultcache.Retrying, now); err != nil {
				return err
			}
		}
		if err := current.TransitionTo(resultcache.Failed, now); err != nil {
			return err
		}
		timeout := &composererrors.ErrJobTimeout{Fingerprint: string(current.Fingerprint), Retries: current.RetryCount}
		current.FailureReason = resultcache.FailureTimeout
		current.ErrorDetail = timeout.Error()
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		jobsTimedOut.Inc()
		c.log.WithField("fingerprint", rec.Fingerprint.Short()).Errorf("job failed after %d retries without heartbeat", rec.RetryCount)
	}
	return nil
}
