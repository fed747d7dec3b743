package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

const (
	recordKeyPrefix  = "sigcomposer:record:"
	activeSetKey     = "sigcomposer:records:active"
	lastAccessSetKey = "sigcomposer:records:terminal:accessed"
	completionSetKey = "sigcomposer:records:terminal:completed"
	versionField     = "version"
	dataField        = "data"
)

// KEYS: record, active set, last access zset, completion zset
// ARGV: fingerprint, data, terminal flag, now millis, completed millis
const createScript = `
local existing = redis.call('HMGET', KEYS[1], 'version', 'data')
if existing[1] then
	return existing
end
redis.call('HMSET', KEYS[1], 'version', 1, 'data', ARGV[2])
if ARGV[3] == '1' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
else
	redis.call('SADD', KEYS[2], ARGV[1])
end
return false
`

// KEYS: record, active set, last access zset, completion zset
// ARGV: fingerprint, data, terminal flag, now millis, completed millis, expected version
const compareAndSwapScript = `
local version = redis.call('HGET', KEYS[1], 'version')
if not version or tonumber(version) ~= tonumber(ARGV[6]) then
	return 0
end
redis.call('HMSET', KEYS[1], 'version', tonumber(ARGV[6]) + 1, 'data', ARGV[2])
if ARGV[3] == '1' then
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
else
	redis.call('SADD', KEYS[2], ARGV[1])
end
return 1
`

// RedisRecordRepository shares job records between every composer process connected to the same
// Redis. Atomicity comes from Lua scripts keyed on a per-record version.
type RedisRecordRepository struct {
	db    redis.UniversalClient
	clock util.Clock
}

func NewRedisRecordRepository(db redis.UniversalClient, clock util.Clock) *RedisRecordRepository {
	return &RedisRecordRepository{db: db, clock: clock}
}

func recordKey(fingerprint jobspec.Fingerprint) string {
	return recordKeyPrefix + string(fingerprint)
}

func (r *RedisRecordRepository) Get(_ context.Context, fingerprint jobspec.Fingerprint) (*resultcache.JobRecord, error) {
	values, err := r.db.HMGet(recordKey(fingerprint), versionField, dataField).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rec, err := decodeRecord(values)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.State.IsTerminal() {
		err := r.db.ZAdd(lastAccessSetKey, redis.Z{Score: r.millis(r.clock.Now()), Member: string(fingerprint)}).Err()
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return rec, nil
}

func (r *RedisRecordRepository) Create(_ context.Context, rec *resultcache.JobRecord) (*resultcache.JobRecord, bool, error) {
	created := rec.Clone()
	created.Version = 1
	data, err := json.Marshal(created)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	result, err := r.db.Eval(createScript, r.keys(rec.Fingerprint), r.args(rec, data)...).Result()
	if err == redis.Nil {
		rec.Version = 1
		return created, true, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	values, ok := result.([]interface{})
	if !ok {
		return nil, false, errors.Errorf("unexpected reply %T from create script", result)
	}
	existing, err := decodeRecord(values)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *RedisRecordRepository) CompareAndSwap(_ context.Context, rec *resultcache.JobRecord) (bool, error) {
	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return false, errors.WithStack(err)
	}
	args := append(r.args(rec, data), rec.Version)
	swapped, err := r.db.Eval(compareAndSwapScript, r.keys(rec.Fingerprint), args...).Int64()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if swapped == 1 {
		rec.Version = next.Version
		return true, nil
	}
	return false, nil
}

func (r *RedisRecordRepository) keys(fingerprint jobspec.Fingerprint) []string {
	return []string{recordKey(fingerprint), activeSetKey, lastAccessSetKey, completionSetKey}
}

func (r *RedisRecordRepository) args(rec *resultcache.JobRecord, data []byte) []interface{} {
	terminal := "0"
	if rec.State.IsTerminal() {
		terminal = "1"
	}
	return []interface{}{string(rec.Fingerprint), string(data), terminal, r.millis(r.clock.Now()), r.millis(rec.UpdatedAt)}
}

func (r *RedisRecordRepository) millis(t time.Time) float64 {
	return float64(t.UnixNano() / int64(time.Millisecond))
}

func (r *RedisRecordRepository) Delete(_ context.Context, fingerprint jobspec.Fingerprint) error {
	pipe := r.db.TxPipeline()
	pipe.Del(recordKey(fingerprint))
	pipe.SRem(activeSetKey, string(fingerprint))
	pipe.ZRem(lastAccessSetKey, string(fingerprint))
	pipe.ZRem(completionSetKey, string(fingerprint))
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (r *RedisRecordRepository) ListActive(_ context.Context) ([]*resultcache.JobRecord, error) {
	members, err := r.db.SMembers(activeSetKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.db.Pipeline()
	cmds := make([]*redis.SliceCmd, 0, len(members))
	for _, member := range members {
		cmds = append(cmds, pipe.HMGet(recordKey(jobspec.Fingerprint(member)), versionField, dataField))
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.WithStack(err)
	}

	records := make([]*resultcache.JobRecord, 0, len(cmds))
	for _, cmd := range cmds {
		rec, err := decodeRecord(cmd.Val())
		if err != nil {
			return nil, err
		}
		if rec != nil && !rec.State.IsTerminal() {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (r *RedisRecordRepository) PurgeTerminal(ctx context.Context, updatedBefore time.Time, capacity int) (int, error) {
	var expired []string
	if !updatedBefore.IsZero() {
		var err error
		expired, err = r.db.ZRangeByScore(completionSetKey, redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatFloat(r.millis(updatedBefore), 'f', 0, 64),
		}).Result()
		if err != nil {
			return 0, errors.WithStack(err)
		}
	}
	for _, member := range expired {
		if err := r.Delete(ctx, jobspec.Fingerprint(member)); err != nil {
			return 0, err
		}
	}

	purged := len(expired)
	if capacity <= 0 {
		return purged, nil
	}
	count, err := r.db.ZCard(lastAccessSetKey).Result()
	if err != nil {
		return purged, errors.WithStack(err)
	}
	if count <= int64(capacity) {
		return purged, nil
	}
	oldest, err := r.db.ZRange(lastAccessSetKey, 0, count-int64(capacity)-1).Result()
	if err != nil {
		return purged, errors.WithStack(err)
	}
	for _, member := range oldest {
		if err := r.Delete(ctx, jobspec.Fingerprint(member)); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (r *RedisRecordRepository) HealthCheck(_ context.Context) error {
	return errors.WithStack(r.db.Ping().Err())
}

func (r *RedisRecordRepository) Close() error {
	return r.db.Close()
}

// decodeRecord takes the [version, data] reply of HMGET. It returns nil if the record is missing.
func decodeRecord(values []interface{}) (*resultcache.JobRecord, error) {
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return nil, nil
	}
	version, err := strconv.ParseInt(toString(values[0]), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "decoding job record version")
	}
	rec := &resultcache.JobRecord{}
	if err := json.Unmarshal([]byte(toString(values[1])), rec); err != nil {
		return nil, errors.Wrap(err, "decoding job record")
	}
	rec.Version = version
	return rec, nil
}

func toString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return ""
	}
}
