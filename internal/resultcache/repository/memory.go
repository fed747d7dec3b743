package repository

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

// InMemoryRecordRepository keeps in-flight records in a map and terminal records in an LRU of
// bounded size, so the capacity limit never touches a record that is still running.
type InMemoryRecordRepository struct {
	mu       sync.Mutex
	active   map[jobspec.Fingerprint]*resultcache.JobRecord
	terminal *lru.LRU
}

func NewInMemoryRecordRepository(capacity int) (*InMemoryRecordRepository, error) {
	terminal, err := lru.NewLRU(capacity, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &InMemoryRecordRepository{
		active:   map[jobspec.Fingerprint]*resultcache.JobRecord{},
		terminal: terminal,
	}, nil
}

func (r *InMemoryRecordRepository) Get(_ context.Context, fingerprint jobspec.Fingerprint) (*resultcache.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.lookup(fingerprint)
	if rec == nil {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (r *InMemoryRecordRepository) lookup(fingerprint jobspec.Fingerprint) *resultcache.JobRecord {
	if rec, ok := r.active[fingerprint]; ok {
		return rec
	}
	if value, ok := r.terminal.Get(fingerprint); ok {
		return value.(*resultcache.JobRecord)
	}
	return nil
}

func (r *InMemoryRecordRepository) Create(_ context.Context, rec *resultcache.JobRecord) (*resultcache.JobRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.lookup(rec.Fingerprint); existing != nil {
		return existing.Clone(), false, nil
	}
	rec.Version = 1
	r.store(rec.Clone())
	return rec.Clone(), true, nil
}

func (r *InMemoryRecordRepository) CompareAndSwap(_ context.Context, rec *resultcache.JobRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.lookup(rec.Fingerprint)
	if existing == nil || existing.Version != rec.Version {
		return false, nil
	}
	rec.Version++
	r.store(rec.Clone())
	return true, nil
}

func (r *InMemoryRecordRepository) store(rec *resultcache.JobRecord) {
	if rec.State.IsTerminal() {
		delete(r.active, rec.Fingerprint)
		r.terminal.Add(rec.Fingerprint, rec)
	} else {
		r.terminal.Remove(rec.Fingerprint)
		r.active[rec.Fingerprint] = rec
	}
}

func (r *InMemoryRecordRepository) Delete(_ context.Context, fingerprint jobspec.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, fingerprint)
	r.terminal.Remove(fingerprint)
	return nil
}

func (r *InMemoryRecordRepository) ListActive(_ context.Context) ([]*resultcache.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]*resultcache.JobRecord, 0, len(r.active))
	for _, rec := range r.active {
		records = append(records, rec.Clone())
	}
	return records, nil
}

func (r *InMemoryRecordRepository) PurgeTerminal(_ context.Context, updatedBefore time.Time, capacity int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	if !updatedBefore.IsZero() {
		for _, key := range r.terminal.Keys() {
			value, ok := r.terminal.Peek(key)
			if ok && value.(*resultcache.JobRecord).UpdatedAt.Before(updatedBefore) {
				r.terminal.Remove(key)
				purged++
			}
		}
	}
	for capacity > 0 && r.terminal.Len() > capacity {
		r.terminal.RemoveOldest()
		purged++
	}
	return purged, nil
}

func (r *InMemoryRecordRepository) HealthCheck(_ context.Context) error {
	return nil
}

func (r *InMemoryRecordRepository) Close() error {
	return nil
}
