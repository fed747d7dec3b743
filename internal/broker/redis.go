package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	jobQueueKey         = "sigcomposer:queue:jobs"
	eventQueueKey       = "sigcomposer:queue:events"
	processingKeyPrefix = "sigcomposer:queue:processing:"
	consumerKeyPrefix   = "sigcomposer:consumer:"
)

// RedisBroker implements a reliable queue on Redis lists. Each consumer moves the job it is working
// on into its own processing list and removes it once handled. A consumer keeps a liveness key
// alive while it runs; processing lists whose owner has disappeared are pushed back to the queue.
type RedisBroker struct {
	db           redis.UniversalClient
	blockTimeout time.Duration
	closed       chan struct{}
	closeOnce    sync.Once
	log          *log.Entry
}

func NewRedisBroker(db redis.UniversalClient, blockTimeout time.Duration) *RedisBroker {
	return &RedisBroker{
		db:           db,
		blockTimeout: blockTimeout,
		closed:       make(chan struct{}),
		log:          log.WithField("component", "redis-broker"),
	}
}

func (b *RedisBroker) Submit(_ context.Context, msg JobMessage) error {
	err := b.push(jobQueueKey, msg)
	recordPublish("job", err)
	return err
}

func (b *RedisBroker) Notify(_ context.Context, event TaskEvent) error {
	err := b.push(eventQueueKey, event)
	recordPublish("event", err)
	return err
}

func (b *RedisBroker) push(key string, v interface{}) error {
	if b.isClosed() {
		return ErrClosed
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	return errors.WithStack(b.db.LPush(key, data).Err())
}

func (b *RedisBroker) Consume(ctx context.Context, handle func(context.Context, JobMessage)) error {
	consumerID := uuid.New().String()
	processingKey := processingKeyPrefix + consumerID
	aliveKey := consumerKeyPrefix + consumerID
	logger := b.log.WithField("consumer", consumerID)

	stopKeepAlive := b.keepAlive(aliveKey)
	defer func() {
		stopKeepAlive()
		b.requeue(processingKey)
		if err := b.db.Del(aliveKey).Err(); err != nil {
			logger.WithError(err).Warn("failed to remove consumer liveness key")
		}
	}()

	if err := b.RequeueOrphans(); err != nil {
		logger.WithError(err).Warn("failed to requeue jobs of dead consumers")
	}

	for {
		if ctx.Err() != nil || b.isClosed() {
			return nil
		}
		raw, err := b.db.BRPopLPush(jobQueueKey, processingKey, b.blockTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if b.isClosed() {
				return nil
			}
			logger.WithError(err).Warn("failed to fetch job, retrying")
			b.sleep(ctx)
			continue
		}

		msg, err := decodeJob([]byte(raw))
		if err != nil {
			messagesDiscarded.WithLabelValues("job").Inc()
			logger.WithError(err).Error("discarding undecodable job message")
		} else {
			handle(ctx, msg)
		}
		if ctx.Err() != nil {
			// Interrupted jobs stay in the processing list and are requeued on the way out.
			return nil
		}
		if err := b.db.LRem(processingKey, 1, raw).Err(); err != nil {
			logger.WithError(err).Warnf("failed to acknowledge task %s", msg.TaskID)
		}
	}
}

func (b *RedisBroker) keepAlive(aliveKey string) func() {
	ttl := 3 * b.blockTimeout
	refresh := func() {
		if err := b.db.Set(aliveKey, "1", ttl).Err(); err != nil {
			b.log.WithError(err).Warn("failed to refresh consumer liveness key")
		}
	}
	refresh()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.blockTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// RequeueOrphans pushes jobs held by consumers that stopped refreshing their liveness key back onto
// the job queue.
func (b *RedisBroker) RequeueOrphans() error {
	keys, err := b.db.Keys(processingKeyPrefix + "*").Result()
	if err != nil {
		return errors.WithStack(err)
	}
	for _, key := range keys {
		consumerID := strings.TrimPrefix(key, processingKeyPrefix)
		alive, err := b.db.Exists(consumerKeyPrefix + consumerID).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if alive == 0 {
			b.requeue(key)
		}
	}
	return nil
}

func (b *RedisBroker) requeue(processingKey string) {
	requeued := 0
	for {
		err := b.db.RPopLPush(processingKey, jobQueueKey).Err()
		if err == redis.Nil {
			break
		}
		if err != nil {
			b.log.WithError(err).Warnf("failed to requeue jobs from %s", processingKey)
			break
		}
		requeued++
	}
	if requeued > 0 {
		b.log.Infof("requeued %d jobs from %s", requeued, processingKey)
	}
}

func (b *RedisBroker) Listen(ctx context.Context, handle func(context.Context, TaskEvent)) error {
	for {
		if ctx.Err() != nil || b.isClosed() {
			return nil
		}
		values, err := b.db.BRPop(b.blockTimeout, eventQueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if b.isClosed() {
				return nil
			}
			b.log.WithError(err).Warn("failed to fetch task event, retrying")
			b.sleep(ctx)
			continue
		}
		// BRPOP replies with the key and the value.
		event, err := decodeEvent([]byte(values[1]))
		if err != nil {
			messagesDiscarded.WithLabelValues("event").Inc()
			b.log.WithError(err).Error("discarding undecodable task event")
			continue
		}
		handle(ctx, event)
	}
}

func (b *RedisBroker) sleep(ctx context.Context) {
	select {
	case <-time.After(b.blockTimeout):
	case <-ctx.Done():
	case <-b.closed:
	}
}

func (b *RedisBroker) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *RedisBroker) HealthCheck(_ context.Context) error {
	return errors.WithStack(b.db.Ping().Err())
}

// Close stops consumers and listeners; the Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
