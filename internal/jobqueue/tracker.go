package jobqueue

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// JobStatus is what pollers see of a job record.
type JobStatus struct {
	Fingerprint   jobspec.Fingerprint       `json:"fingerprint"`
	Kind          jobspec.Kind              `json:"kind"`
	State         resultcache.JobState      `json:"state"`
	Progress      *resultcache.Progress     `json:"progress,omitempty"`
	Result        []byte                    `json:"result,omitempty"`
	Error         string                    `json:"error,omitempty"`
	FailureReason resultcache.FailureReason `json:"failure_reason,omitempty"`
	RetryCount    int                       `json:"retry_count"`
	SubmittedAt   time.Time                 `json:"submitted_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	Observers     []string                  `json:"observers,omitempty"`
}

// Err returns the error a failed job ended with, and nil for every other state.
func (s *JobStatus) Err() error {
	if s.State != resultcache.Failed {
		return nil
	}
	if s.FailureReason == resultcache.FailureTimeout {
		return &composererrors.ErrJobTimeout{Fingerprint: string(s.Fingerprint), Retries: s.RetryCount}
	}
	return &composererrors.ErrJobExecution{Fingerprint: string(s.Fingerprint), Detail: s.Error}
}

// Tracker is a read-only view of the result cache for pollers. It never waits for a job.
type Tracker struct {
	cache *resultcache.Cache
}

func NewTracker(cache *resultcache.Cache) *Tracker {
	return &Tracker{cache: cache}
}

func (t *Tracker) Status(ctx context.Context, fingerprint jobspec.Fingerprint) (*JobStatus, error) {
	rec, err := t.cache.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.WithStack(&composererrors.ErrNotFound{Type: "job", Value: string(fingerprint)})
	}
	return toStatus(rec), nil
}

type jobLister interface {
	Jobs() []jobspec.Fingerprint
}

// SessionJobs returns the status of every job a session submitted that is still cached.
func (t *Tracker) SessionJobs(ctx context.Context, session jobLister) ([]*JobStatus, error) {
	fingerprints := session.Jobs()
	statuses := make([]*JobStatus, 0, len(fingerprints))
	for _, fingerprint := range fingerprints {
		rec, err := t.cache.Get(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			statuses = append(statuses, toStatus(rec))
		}
	}
	return statuses, nil
}

func toStatus(rec *resultcache.JobRecord) *JobStatus {
	status := &JobStatus{
		Fingerprint:   rec.Fingerprint,
		Kind:          rec.Spec.Kind,
		State:         rec.State,
		Result:        rec.Result,
		Error:         rec.ErrorDetail,
		FailureReason: rec.FailureReason,
		RetryCount:    rec.RetryCount,
		SubmittedAt:   rec.SubmittedAt,
		UpdatedAt:     rec.UpdatedAt,
		Observers:     rec.Observers,
	}
	if rec.Progress != nil {
		p := *rec.Progress
		status.Progress = &p
	}
	return status
}
