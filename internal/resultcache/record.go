package resultcache

import (
	"time"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
)

type FailureReason string

const (
	FailureExecution FailureReason = "execution"
	FailureTimeout   FailureReason = "timeout"
)

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// JobRecord tracks the lifecycle of the computation for one fingerprint. Version is maintained by
// the repository and increases on every successful write.
type JobRecord struct {
	Fingerprint   jobspec.Fingerprint `json:"fingerprint"`
	Spec          jobspec.JobSpec     `json:"spec"`
	State         JobState            `json:"state"`
	TaskID        string              `json:"task_id"`
	SubmittedAt   time.Time           `json:"submitted_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	HeartbeatAt   time.Time           `json:"heartbeat_at"`
	Result        []byte              `json:"result,omitempty"`
	ErrorDetail   string              `json:"error_detail,omitempty"`
	FailureReason FailureReason       `json:"failure_reason,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	Progress      *Progress           `json:"progress,omitempty"`
	Observers     []string            `json:"observers,omitempty"`
	Version       int64               `json:"version"`
}

func NewPendingRecord(spec jobspec.JobSpec, taskID string, now time.Time) *JobRecord {
	return &JobRecord{
		Fingerprint: spec.Fingerprint(),
		Spec:        spec,
		State:       Pending,
		TaskID:      taskID,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// TransitionTo moves the record along the job state machine. Terminal records never change state.
func (r *JobRecord) TransitionTo(to JobState, now time.Time) error {
	if !r.State.CanTransitionTo(to) {
		return errors.WithStack(&ErrIllegalTransition{Fingerprint: string(r.Fingerprint), From: r.State, To: to})
	}
	r.State = to
	r.UpdatedAt = now
	return nil
}

// AddObserver returns false if id was already observing the record.
func (r *JobRecord) AddObserver(id string) bool {
	if id == "" {
		return false
	}
	for _, o := range r.Observers {
		if o == id {
			return false
		}
	}
	r.Observers = append(r.Observers, id)
	return true
}

func (r *JobRecord) Clone() *JobRecord {
	c := *r
	if r.Result != nil {
		c.Result = append([]byte(nil), r.Result...)
	}
	if r.Progress != nil {
		p := *r.Progress
		c.Progress = &p
	}
	if r.Observers != nil {
		c.Observers = append([]string(nil), r.Observers...)
	}
	return &c
}
