package broker

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/config"
)

type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
	TypeAmqp   Type = "amqp"
)

func (t *Type) UnmarshalText(text []byte) error {
	switch parsed := Type(strings.ToLower(string(text))); parsed {
	case TypeMemory, TypeRedis, TypeAmqp:
		*t = parsed
		return nil
	default:
		return errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "broker type",
			Value:   string(text),
			Message: "must be one of memory, redis, amqp",
		})
	}
}

type AmqpConfig struct {
	Url string
	// Unacknowledged deliveries per consumer.
	Prefetch int `validate:"gte=0"`
}

type Config struct {
	Type  Type `validate:"required"`
	Redis config.RedisConfig
	// How long a Redis consumer blocks waiting for a message before checking for shutdown.
	BlockTimeout time.Duration
	Amqp         AmqpConfig
	// Queue size of the in-process broker.
	BufferSize int `validate:"gte=0"`
}

// New builds the configured broker. The returned function releases the connections the broker
// owns and must be called once the broker is closed.
func New(c Config) (Broker, func(), error) {
	switch c.Type {
	case TypeMemory:
		return NewInMemoryBroker(c.BufferSize), func() {}, nil
	case TypeRedis:
		blockTimeout := c.BlockTimeout
		if blockTimeout <= 0 {
			blockTimeout = time.Second
		}
		db := c.Redis.NewClient()
		cleanup := func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("failed to close redis client")
			}
		}
		return NewRedisBroker(db, blockTimeout), cleanup, nil
	case TypeAmqp:
		b, err := NewAmqpBroker(c.Amqp.Url, c.Amqp.Prefetch)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	default:
		return nil, nil, errors.Errorf("unknown broker type %q", c.Type)
	}
}
