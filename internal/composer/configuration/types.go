package configuration

import (
	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/jobqueue"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache/repository"
	"github.com/cbg-ethz/sigcomposer/internal/session"
	"github.com/cbg-ethz/sigcomposer/internal/upstream"
	workerconfig "github.com/cbg-ethz/sigcomposer/internal/worker/configuration"
)

type ResultCacheConfig struct {
	Repository repository.Config
	Eviction   resultcache.Config
}

// EmbeddedWorkerConfig runs a worker pool inside the composer process, which is how the
// in-process broker is meant to be used.
type EmbeddedWorkerConfig struct {
	Enabled   bool
	Pool      workerconfig.PoolConfig
	Executors map[jobspec.Kind]workerconfig.CommandConfig `validate:"dive"`
}

type ComposerConfiguration struct {
	LogLevel string
	// Port serving the API, /health and /metrics.
	HttpPort uint16 `validate:"required"`

	Broker         broker.Config
	ResultCache    ResultCacheConfig
	JobQueue       jobqueue.Config
	Session        session.Config
	Upstream       upstream.Config
	EmbeddedWorker EmbeddedWorkerConfig
}
