package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

// Repository persists session state so that any composer instance can serve any session.
type Repository interface {
	// Load returns nil if nothing is stored for the prefix.
	Load(ctx context.Context, prefix string) (*State, error)
	Store(ctx context.Context, state *State) error
	Delete(ctx context.Context, prefix string) error
	HealthCheck(ctx context.Context) error
}

// InMemoryRepository keeps session state in process memory and forgets sessions that have not
// been stored for the idle timeout.
type InMemoryRepository struct {
	sessions *cache.Cache
}

func NewInMemoryRepository(idleTimeout time.Duration) *InMemoryRepository {
	return &InMemoryRepository{sessions: cache.New(idleTimeout, idleTimeout/2+time.Second)}
}

func (r *InMemoryRepository) Load(_ context.Context, prefix string) (*State, error) {
	value, ok := r.sessions.Get(prefix)
	if !ok {
		return nil, nil
	}
	return copyState(value.(*State)), nil
}

func (r *InMemoryRepository) Store(_ context.Context, state *State) error {
	r.sessions.SetDefault(state.Prefix, copyState(state))
	return nil
}

func (r *InMemoryRepository) Delete(_ context.Context, prefix string) error {
	r.sessions.Delete(prefix)
	return nil
}

func (r *InMemoryRepository) HealthCheck(_ context.Context) error {
	return nil
}

func copyState(state *State) *State {
	c := *state
	c.Signatures = make(map[string]signature.VariantSignature, len(state.Signatures))
	for name, sig := range state.Signatures {
		sig.Mutations = append(sig.Mutations[:0:0], sig.Mutations...)
		c.Signatures[name] = sig
	}
	if state.Signature != nil {
		sig := *state.Signature
		sig.Mutations = append(sig.Mutations[:0:0], sig.Mutations...)
		c.Signature = &sig
	}
	c.Jobs = append(c.Jobs[:0:0], state.Jobs...)
	return &c
}

const sessionKeyPrefix = "sigcomposer:session:"

// RedisRepository stores sessions as JSON documents that expire after the idle timeout.
type RedisRepository struct {
	db          redis.UniversalClient
	idleTimeout time.Duration
}

func NewRedisRepository(db redis.UniversalClient, idleTimeout time.Duration) *RedisRepository {
	return &RedisRepository{db: db, idleTimeout: idleTimeout}
}

func (r *RedisRepository) Load(_ context.Context, prefix string) (*State, error) {
	data, err := r.db.Get(sessionKeyPrefix + prefix).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "decoding session %s", prefix)
	}
	return &state, nil
}

func (r *RedisRepository) Store(_ context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.Set(sessionKeyPrefix+state.Prefix, data, r.idleTimeout).Err())
}

func (r *RedisRepository) Delete(_ context.Context, prefix string) error {
	return errors.WithStack(r.db.Del(sessionKeyPrefix + prefix).Err())
}

func (r *RedisRepository) HealthCheck(_ context.Context) error {
	return errors.WithStack(r.db.Ping().Err())
}
