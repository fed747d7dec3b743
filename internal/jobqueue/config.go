package jobqueue

import "time"

type Config struct {
	// A running job that has not sent a heartbeat for this long is considered lost.
	HeartbeatDeadline time.Duration `validate:"gt=0"`
	// A retried attempt still waiting in the queue for this long is resubmitted. Zero leaves
	// queued retries alone, like pending jobs.
	QueueDeadline time.Duration `validate:"gte=0"`
	// Number of times a lost job is resubmitted before it is marked as failed.
	MaxRetries int `validate:"gte=0"`
	// How often the heartbeat deadline is checked.
	WatchdogInterval time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatDeadline: 30 * time.Second,
		MaxRetries:        3,
		WatchdogInterval:  5 * time.Second,
	}
}
