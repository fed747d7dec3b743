package broker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryBroker connects submitters and workers living in the same process. Jobs that are being
// handled when the process dies are lost, so it is only suitable for development and tests.
type InMemoryBroker struct {
	jobs      chan JobMessage
	events    chan TaskEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewInMemoryBroker(bufferSize int) *InMemoryBroker {
	return &InMemoryBroker{
		jobs:   make(chan JobMessage, bufferSize),
		events: make(chan TaskEvent, bufferSize),
		done:   make(chan struct{}),
	}
}

func (b *InMemoryBroker) Submit(ctx context.Context, msg JobMessage) error {
	err := send(ctx, b.done, b.jobs, msg)
	recordPublish("job", err)
	return err
}

func (b *InMemoryBroker) Notify(ctx context.Context, event TaskEvent) error {
	err := send(ctx, b.done, b.events, event)
	recordPublish("event", err)
	return err
}

func send[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, value T) error {
	select {
	case <-done:
		return ErrClosed
	default:
	}
	select {
	case ch <- value:
		return nil
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (b *InMemoryBroker) Consume(ctx context.Context, handle func(context.Context, JobMessage)) error {
	return receive(ctx, b.done, b.jobs, handle)
}

func (b *InMemoryBroker) Listen(ctx context.Context, handle func(context.Context, TaskEvent)) error {
	return receive(ctx, b.done, b.events, handle)
}

func receive[T any](ctx context.Context, done <-chan struct{}, ch <-chan T, handle func(context.Context, T)) error {
	for {
		select {
		case value := <-ch:
			handle(ctx, value)
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Backlog is the number of jobs waiting for a worker.
func (b *InMemoryBroker) Backlog() int {
	return len(b.jobs)
}

func (b *InMemoryBroker) HealthCheck(_ context.Context) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
		return nil
	}
}

func (b *InMemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
