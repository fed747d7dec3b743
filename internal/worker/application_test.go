package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/common/config"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/worker/configuration"
)

func TestRectifyConfig(t *testing.T) {
	c := &configuration.WorkerConfiguration{Pool: configuration.PoolConfig{Concurrency: -1, MaxRuntime: time.Hour}}
	RectifyConfig(c)
	assert.Equal(t, configuration.PoolConfig{Concurrency: 1, HeartbeatInterval: 5 * time.Second, MaxRuntime: time.Hour}, c.Pool)
}

func TestStartUp_RejectsInProcessBroker(t *testing.T) {
	c := &configuration.WorkerConfiguration{
		HttpPort: 8081,
		Broker: broker.Config{
			Type:  broker.TypeMemory,
			Redis: config.RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 1},
		},
		Executors: map[jobspec.Kind]configuration.CommandConfig{
			jobspec.KindHeatmap: {Path: "/bin/true"},
		},
	}
	err := New(c).StartUp(context.Background())
	assert.EqualError(t, err, "a standalone worker cannot use the in-process broker")
}

func TestNewRegistryFromConfig(t *testing.T) {
	registry := NewRegistryFromConfig(map[jobspec.Kind]configuration.CommandConfig{
		jobspec.KindHeatmap:       {Path: "/bin/true"},
		jobspec.KindDeconvolution: {Path: "/bin/false"},
	})
	assert.ElementsMatch(t, []jobspec.Kind{jobspec.KindHeatmap, jobspec.KindDeconvolution}, registry.Kinds())
}
