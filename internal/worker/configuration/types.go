package configuration

import (
	"time"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
)

type PoolConfig struct {
	// Number of jobs executed in parallel.
	Concurrency int `validate:"gt=0"`
	// How often a running job reports that it is alive. Must be well below the heartbeat
	// deadline of the submitting side.
	HeartbeatInterval time.Duration `validate:"gt=0"`
	// Jobs running longer than this are aborted and reported as failed. Zero disables the limit.
	MaxRuntime time.Duration `validate:"gte=0"`
}

// CommandConfig describes an external program that computes one kind of job. The program reads
// the job spec as JSON on stdin and writes its result to stdout.
type CommandConfig struct {
	Path       string `validate:"required"`
	Args       []string
	WorkingDir string
	// Extra environment variables in KEY=VALUE form.
	Env []string
}

type WorkerConfiguration struct {
	LogLevel string
	// Port serving /health and /metrics.
	HttpPort uint16 `validate:"required"`

	Broker broker.Config
	Pool   PoolConfig
	// Programs that execute each job kind.
	Executors map[jobspec.Kind]CommandConfig `validate:"dive"`
}
