package broker

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// JobMessage asks a worker to run one attempt of a job. A new TaskID is issued for every attempt.
type JobMessage struct {
	TaskID      string              `json:"task_id"`
	Fingerprint jobspec.Fingerprint `json:"fingerprint"`
	Spec        jobspec.JobSpec     `json:"spec"`
	Attempt     int                 `json:"attempt"`
	EnqueuedAt  time.Time           `json:"enqueued_at"`
}

type EventType string

const (
	EventClaimed   EventType = "claimed"
	EventHeartbeat EventType = "heartbeat"
	EventProgress  EventType = "progress"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// TaskEvent is sent by workers to report on a task attempt.
type TaskEvent struct {
	Type        EventType             `json:"type"`
	TaskID      string                `json:"task_id"`
	Fingerprint jobspec.Fingerprint   `json:"fingerprint"`
	WorkerID    string                `json:"worker_id"`
	Result      []byte                `json:"result,omitempty"`
	ErrorDetail string                `json:"error_detail,omitempty"`
	Progress    *resultcache.Progress `json:"progress,omitempty"`
	At          time.Time             `json:"at"`
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.WithStack(err)
}

func decodeJob(data []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Wrap(err, "decoding job message")
	}
	if msg.TaskID == "" || msg.Fingerprint == "" {
		return msg, errors.New("job message without task id or fingerprint")
	}
	return msg, nil
}

func decodeEvent(data []byte) (TaskEvent, error) {
	var event TaskEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, errors.Wrap(err, "decoding task event")
	}
	if event.TaskID == "" || event.Fingerprint == "" {
		return event, errors.New("task event without task id or fingerprint")
	}
	return event, nil
}
