package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// ProgressFunc lets an executor report how far a job has got.
type ProgressFunc func(resultcache.Progress)

// Executor performs the computation for a job spec. The result is stored as given; its format is
// a contract between the executor and whoever reads the result.
type Executor interface {
	Execute(ctx context.Context, spec jobspec.JobSpec, progress ProgressFunc) ([]byte, error)
}

type ExecutorFunc func(ctx context.Context, spec jobspec.JobSpec, progress ProgressFunc) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, spec jobspec.JobSpec, progress ProgressFunc) ([]byte, error) {
	return f(ctx, spec, progress)
}

// Registry maps job kinds to the executors that handle them.
type Registry struct {
	mu        sync.RWMutex
	executors map[jobspec.Kind]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[jobspec.Kind]Executor{}}
}

func (r *Registry) Register(kind jobspec.Kind, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = executor
}

func (r *Registry) Get(kind jobspec.Kind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[kind]
	if !ok {
		return nil, errors.Errorf("no executor registered for job kind %q", kind)
	}
	return executor, nil
}

// Kinds returns the registered kinds in lexical order.
func (r *Registry) Kinds() []jobspec.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := maps.Keys(r.executors)
	slices.Sort(kinds)
	return kinds
}
