package repository

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

var startTime = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func TestCreate_OnlyFirstWins(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		ctx := context.Background()
		first := pending("fp-1", "task-1")
		stored, created, err := r.Create(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), stored.Version)
		assert.Equal(t, int64(1), first.Version)

		second := pending("fp-1", "task-2")
		stored, created, err = r.Create(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "task-1", stored.TaskID)

		got, err := r.Get(ctx, "fp-1")
		require.NoError(t, err)
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, resultcache.Pending, got.State)
	})
}

func TestGet_Missing(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		got, err := r.Get(context.Background(), "does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCompareAndSwap_RejectsStaleVersion(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		ctx := context.Background()
		_, _, err := r.Create(ctx, pending("fp-1", "task-1"))
		require.NoError(t, err)

		a, err := r.Get(ctx, "fp-1")
		require.NoError(t, err)
		b, err := r.Get(ctx, "fp-1")
		require.NoError(t, err)

		a.State = resultcache.Running
		swapped, err := r.CompareAndSwap(ctx, a)
		require.NoError(t, err)
		assert.True(t, swapped)
		assert.Equal(t, int64(2), a.Version)

		b.State = resultcache.Failed
		swapped, err = r.CompareAndSwap(ctx, b)
		require.NoError(t, err)
		assert.False(t, swapped)
		assert.Equal(t, int64(1), b.Version)

		got, err := r.Get(ctx, "fp-1")
		require.NoError(t, err)
		assert.Equal(t, resultcache.Running, got.State)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestCompareAndSwap_MissingRecord(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		rec := pending("fp-1", "task-1")
		rec.Version = 1
		swapped, err := r.CompareAndSwap(context.Background(), rec)
		require.NoError(t, err)
		assert.False(t, swapped)
	})
}

func TestListActive_ExcludesTerminalRecords(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		ctx := context.Background()
		createWithState(t, r, clock, "fp-running", resultcache.Running)
		createWithState(t, r, clock, "fp-pending", resultcache.Pending)
		createWithState(t, r, clock, "fp-done", resultcache.Success)

		active, err := r.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"fp-pending", "fp-running"}, fingerprints(active))
	})
}

func TestDelete(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		ctx := context.Background()
		createWithState(t, r, clock, "fp-1", resultcache.Running)

		require.NoError(t, r.Delete(ctx, "fp-1"))

		got, err := r.Get(ctx, "fp-1")
		require.NoError(t, err)
		assert.Nil(t, got)
		active, err := r.ListActive(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestPurgeTerminal_ByAge(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		ctx := context.Background()
		createWithState(t, r, clock, "fp-old-done", resultcache.Success)
		createWithState(t, r, clock, "fp-old-running", resultcache.Running)
		clock.Advance(2 * time.Hour)
		createWithState(t, r, clock, "fp-new-done", resultcache.Failed)

		purged, err := r.PurgeTerminal(ctx, startTime.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		for fp, expected := range map[jobspec.Fingerprint]bool{"fp-old-done": false, "fp-old-running": true, "fp-new-done": true} {
			got, err := r.Get(ctx, fp)
			require.NoError(t, err)
			assert.Equal(t, expected, got != nil, string(fp))
		}
	})
}

func TestPurgeTerminal_ByCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		ctx := context.Background()
		for _, fp := range []string{"fp-a", "fp-b", "fp-c"} {
			createWithState(t, r, clock, fp, resultcache.Success)
			clock.Advance(time.Minute)
		}
		createWithState(t, r, clock, "fp-running", resultcache.Running)
		clock.Advance(time.Minute)
		_, err := r.Get(ctx, "fp-a")
		require.NoError(t, err)

		purged, err := r.PurgeTerminal(ctx, time.Time{}, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		for fp, expected := range map[jobspec.Fingerprint]bool{"fp-a": true, "fp-b": false, "fp-c": true, "fp-running": true} {
			got, err := r.Get(ctx, fp)
			require.NoError(t, err)
			assert.Equal(t, expected, got != nil, string(fp))
		}
	})
}

func TestHealthCheck(t *testing.T) {
	withEachRepo(t, func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock) {
		assert.NoError(t, r.HealthCheck(context.Background()))
	})
}

func pending(fp string, taskID string) *resultcache.JobRecord {
	return &resultcache.JobRecord{
		Fingerprint: jobspec.Fingerprint(fp),
		State:       resultcache.Pending,
		TaskID:      taskID,
		SubmittedAt: startTime,
		UpdatedAt:   startTime,
	}
}

// createWithState creates a record and walks it to state with the clock's current time.
func createWithState(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock, fp string, state resultcache.JobState) {
	ctx := context.Background()
	rec := pending(fp, "task-"+fp)
	_, created, err := r.Create(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)
	if state == resultcache.Pending {
		return
	}
	require.NoError(t, rec.TransitionTo(resultcache.Running, clock.Now()))
	if state != resultcache.Running {
		require.NoError(t, rec.TransitionTo(state, clock.Now()))
	}
	swapped, err := r.CompareAndSwap(ctx, rec)
	require.NoError(t, err)
	require.True(t, swapped)
}

func fingerprints(records []*resultcache.JobRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, string(rec.Fingerprint))
	}
	sort.Strings(out)
	return out
}

func withEachRepo(t *testing.T, action func(t *testing.T, r resultcache.RecordRepository, clock *util.DummyClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := util.NewDummyClock(startTime)
		r, err := NewInMemoryRecordRepository(10)
		require.NoError(t, err)
		action(t, r, clock)
	})
	t.Run("redis", func(t *testing.T) {
		clock := util.NewDummyClock(startTime)
		db, err := miniredis.Run()
		require.NoError(t, err)
		defer db.Close()
		client := redis.NewClient(&redis.Options{Addr: db.Addr()})
		r := NewRedisRecordRepository(client, clock)
		defer r.Close()
		action(t, r, clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := util.NewDummyClock(startTime)
		r, err := NewSQLiteRecordRepository(filepath.Join(t.TempDir(), "records.db"), clock)
		require.NoError(t, err)
		defer r.Close()
		action(t, r, clock)
	})
}
