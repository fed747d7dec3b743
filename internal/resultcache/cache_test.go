package resultcache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache/repository"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

var now = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func TestPutOrGetExisting_ConcurrentCallersShareOneRecord(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, _ *util.DummyClock) {
		spec := testSpec(t, 0.8)
		fp := spec.Fingerprint()
		var publishes int32
		var createdCount int32

		const callers = 25
		wg := sync.WaitGroup{}
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			observer := "session-" + string(rune('a'+i))
			go func() {
				defer wg.Done()
				_, created, err := cache.PutOrGetExisting(context.Background(), fp, observer,
					func() *resultcache.JobRecord { return resultcache.NewPendingRecord(spec, util.NewULID(), now) },
					func(context.Context, *resultcache.JobRecord) error {
						atomic.AddInt32(&publishes, 1)
						return nil
					})
				assert.NoError(t, err)
				if created {
					atomic.AddInt32(&createdCount, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), publishes)
		assert.Equal(t, int32(1), createdCount)
		rec, err := cache.Get(context.Background(), fp)
		require.NoError(t, err)
		assert.Equal(t, resultcache.Pending, rec.State)
		assert.Len(t, rec.Observers, callers)
	})
}

func TestPutOrGetExisting_PublishFailureRemovesRecord(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, _ *util.DummyClock) {
		spec := testSpec(t, 0.8)
		fp := spec.Fingerprint()

		_, created, err := cache.PutOrGetExisting(context.Background(), fp, "session-a",
			func() *resultcache.JobRecord { return resultcache.NewPendingRecord(spec, "task-1", now) },
			func(context.Context, *resultcache.JobRecord) error { return errors.New("broker unreachable") })

		var e *composererrors.ErrJobSubmission
		assert.ErrorAs(t, err, &e)
		assert.False(t, created)
		rec, err := cache.Get(context.Background(), fp)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestPutOrGetExisting_RejectsMismatchedFactory(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, _ *util.DummyClock) {
		spec := testSpec(t, 0.8)
		other := testSpec(t, 0.5)

		_, _, err := cache.PutOrGetExisting(context.Background(), spec.Fingerprint(), "session-a",
			func() *resultcache.JobRecord { return resultcache.NewPendingRecord(other, "task-1", now) }, nil)
		assert.Error(t, err)
	})
}

func TestUpdate(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, clock *util.DummyClock) {
		ctx := context.Background()
		spec := testSpec(t, 0.8)
		fp := spec.Fingerprint()
		create(t, cache, spec)

		clock.Advance(time.Minute)
		rec, changed, err := cache.Update(ctx, fp, func(r *resultcache.JobRecord) error {
			return r.TransitionTo(resultcache.Running, clock.Now())
		})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, resultcache.Running, rec.State)
		assert.Equal(t, clock.Now(), rec.UpdatedAt)

		rec, changed, err = cache.Update(ctx, fp, func(r *resultcache.JobRecord) error {
			return resultcache.ErrSkipUpdate
		})
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, resultcache.Running, rec.State)

		_, _, err = cache.Update(ctx, fp, func(r *resultcache.JobRecord) error {
			return r.TransitionTo(resultcache.Pending, clock.Now())
		})
		var illegal *resultcache.ErrIllegalTransition
		assert.ErrorAs(t, err, &illegal)
	})
}

func TestUpdate_MissingRecord(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, _ *util.DummyClock) {
		_, _, err := cache.Update(context.Background(), "missing", func(r *resultcache.JobRecord) error { return nil })
		var e *composererrors.ErrNotFound
		assert.ErrorAs(t, err, &e)
	})
}

func TestForget(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, clock *util.DummyClock) {
		ctx := context.Background()
		spec := testSpec(t, 0.8)
		fp := spec.Fingerprint()
		create(t, cache, spec)

		var invalid *composererrors.ErrInvalidArgument
		assert.ErrorAs(t, cache.Forget(ctx, fp), &invalid)

		_, _, err := cache.Update(ctx, fp, func(r *resultcache.JobRecord) error {
			if err := r.TransitionTo(resultcache.Running, clock.Now()); err != nil {
				return err
			}
			return r.TransitionTo(resultcache.Success, clock.Now())
		})
		require.NoError(t, err)

		require.NoError(t, cache.Forget(ctx, fp))
		rec, err := cache.Get(ctx, fp)
		require.NoError(t, err)
		assert.Nil(t, rec)

		var notFound *composererrors.ErrNotFound
		assert.ErrorAs(t, cache.Forget(ctx, fp), &notFound)
	})
}

func TestPurgeExpired_NeverEvictsRunningRecords(t *testing.T) {
	withCache(t, func(cache *resultcache.Cache, clock *util.DummyClock) {
		ctx := context.Background()
		running := testSpec(t, 0.1)
		done := testSpec(t, 0.2)
		create(t, cache, running)
		create(t, cache, done)
		_, _, err := cache.Update(ctx, running.Fingerprint(), func(r *resultcache.JobRecord) error {
			return r.TransitionTo(resultcache.Running, clock.Now())
		})
		require.NoError(t, err)
		_, _, err = cache.Update(ctx, done.Fingerprint(), func(r *resultcache.JobRecord) error {
			if err := r.TransitionTo(resultcache.Running, clock.Now()); err != nil {
				return err
			}
			return r.TransitionTo(resultcache.Failed, clock.Now())
		})
		require.NoError(t, err)

		clock.Advance(48 * time.Hour)
		purged, err := cache.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		rec, err := cache.Get(ctx, running.Fingerprint())
		require.NoError(t, err)
		assert.Equal(t, resultcache.Running, rec.State)
		rec, err = cache.Get(ctx, done.Fingerprint())
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func create(t *testing.T, cache *resultcache.Cache, spec jobspec.JobSpec) {
	_, created, err := cache.PutOrGetExisting(context.Background(), spec.Fingerprint(), "session-a",
		func() *resultcache.JobRecord { return resultcache.NewPendingRecord(spec, util.NewULID(), now) }, nil)
	require.NoError(t, err)
	require.True(t, created)
}

func testSpec(t *testing.T, abundance float64) jobspec.JobSpec {
	spec, err := jobspec.New(jobspec.KindDeconvolution, []signature.VariantSignature{{
		Variant:      "LP.8",
		Mutations:    []signature.Mutation{{Position: 241, Ref: "C", Alt: "T"}},
		MinAbundance: abundance,
		MinCoverage:  15,
	}}, nil, now)
	require.NoError(t, err)
	return spec
}

func withCache(t *testing.T, action func(cache *resultcache.Cache, clock *util.DummyClock)) {
	repo, err := repository.NewInMemoryRecordRepository(100)
	require.NoError(t, err)
	clock := util.NewDummyClock(now)
	action(resultcache.New(repo, clock, resultcache.Config{TTL: 24 * time.Hour, Capacity: 100, PurgeInterval: time.Minute}), clock)
}
