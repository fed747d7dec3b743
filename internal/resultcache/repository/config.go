package repository

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/config"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQLite Backend = "sqlite"
)

func (b *Backend) UnmarshalText(text []byte) error {
	switch parsed := Backend(strings.ToLower(string(text))); parsed {
	case BackendMemory, BackendRedis, BackendSQLite:
		*b = parsed
		return nil
	default:
		return errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "result cache backend",
			Value:   string(text),
			Message: "must be one of memory, redis, sqlite",
		})
	}
}

type Config struct {
	Backend Backend `validate:"required"`
	Redis   config.RedisConfig
	// Path of the sqlite database file, including its name.
	DatabasePath string
}

// New opens the configured record repository. Capacity only sizes the in-memory backend; the
// others enforce it when purging.
func New(c Config, capacity int, clock util.Clock) (resultcache.RecordRepository, error) {
	switch c.Backend {
	case BackendMemory:
		return NewInMemoryRecordRepository(capacity)
	case BackendRedis:
		return NewRedisRecordRepository(c.Redis.NewClient(), clock), nil
	case BackendSQLite:
		if c.DatabasePath == "" {
			return nil, errors.WithStack(&composererrors.ErrInvalidArgument{
				Name:    "DatabasePath",
				Message: "required for the sqlite backend",
			})
		}
		return NewSQLiteRecordRepository(c.DatabasePath, clock)
	default:
		return nil, errors.Errorf("unknown result cache backend %q", c.Backend)
	}
}
