package broker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const (
	amqpJobQueue   = "sigcomposer.jobs"
	amqpEventQueue = "sigcomposer.events"
)

// AmqpBroker uses two durable RabbitMQ queues. Deliveries are acknowledged manually once handled,
// so a consumer that dies mid-job has its job redelivered by the server.
type AmqpBroker struct {
	conn      *amqp.Connection
	publisher *amqp.Channel
	// Channels are not safe for concurrent publishing.
	publishLock sync.Mutex
	prefetch    int
	log         *log.Entry
}

func NewAmqpBroker(url string, prefetch int) (*AmqpBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to amqp broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "opening amqp channel")
	}
	for _, queue := range []string{amqpJobQueue, amqpEventQueue} {
		if err := declareQueue(ch, queue); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}
	return &AmqpBroker{
		conn:      conn,
		publisher: ch,
		prefetch:  prefetch,
		log:       log.WithField("component", "amqp-broker"),
	}, nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return errors.Wrapf(err, "declaring queue %s", name)
}

func (b *AmqpBroker) Submit(ctx context.Context, msg JobMessage) error {
	err := b.publish(ctx, amqpJobQueue, msg.TaskID, msg)
	recordPublish("job", err)
	return err
}

func (b *AmqpBroker) Notify(ctx context.Context, event TaskEvent) error {
	err := b.publish(ctx, amqpEventQueue, event.TaskID, event)
	recordPublish("event", err)
	return err
}

func (b *AmqpBroker) publish(ctx context.Context, queue string, messageID string, v interface{}) error {
	body, err := encode(v)
	if err != nil {
		return err
	}
	b.publishLock.Lock()
	defer b.publishLock.Unlock()
	if b.conn.IsClosed() {
		return ErrClosed
	}
	err = b.publisher.PublishWithContext(ctx,
		"",    // default exchange routes by queue name
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	return errors.Wrapf(err, "publishing to %s", queue)
}

func (b *AmqpBroker) Consume(ctx context.Context, handle func(context.Context, JobMessage)) error {
	return b.consume(ctx, amqpJobQueue, jobBodyHandler(handle))
}

func (b *AmqpBroker) Listen(ctx context.Context, handle func(context.Context, TaskEvent)) error {
	return b.consume(ctx, amqpEventQueue, eventBodyHandler(handle))
}

func jobBodyHandler(handle func(context.Context, JobMessage)) func(context.Context, []byte) error {
	return func(ctx context.Context, body []byte) error {
		msg, err := decodeJob(body)
		if err != nil {
			messagesDiscarded.WithLabelValues("job").Inc()
			return err
		}
		handle(ctx, msg)
		return nil
	}
}

func eventBodyHandler(handle func(context.Context, TaskEvent)) func(context.Context, []byte) error {
	return func(ctx context.Context, body []byte) error {
		event, err := decodeEvent(body)
		if err != nil {
			messagesDiscarded.WithLabelValues("event").Inc()
			return err
		}
		handle(ctx, event)
		return nil
	}
}

type settlement int

const (
	settleAck settlement = iota
	// Rejected messages are dropped, not requeued: they would fail to decode again.
	settleReject
	// Unsettled deliveries go back to the server once the channel closes.
	settleLeave
)

// acknowledger is the part of amqp.Delivery that settles it.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// handleDelivery runs handle on body and decides how the delivery is settled. A delivery whose
// handling was interrupted by shutdown is left for another consumer.
func handleDelivery(ctx context.Context, body []byte, handle func(context.Context, []byte) error) (settlement, error) {
	if err := handle(ctx, body); err != nil {
		return settleReject, err
	}
	if ctx.Err() != nil {
		return settleLeave, nil
	}
	return settleAck, nil
}

func (b *AmqpBroker) settle(d acknowledger, messageID string, queue string, outcome settlement, cause error) {
	switch outcome {
	case settleAck:
		if err := d.Ack(false); err != nil {
			b.log.WithError(err).Warnf("failed to acknowledge message %s", messageID)
		}
	case settleReject:
		b.log.WithError(cause).Errorf("discarding message %s from %s", messageID, queue)
		if err := d.Nack(false, false); err != nil {
			b.log.WithError(err).Warn("failed to reject message")
		}
	}
}

// consume opens a dedicated channel so that every caller gets its own prefetch window.
func (b *AmqpBroker) consume(ctx context.Context, queue string, handle func(context.Context, []byte) error) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "opening amqp channel")
	}
	defer func() {
		if err := ch.Close(); err != nil && !b.conn.IsClosed() {
			b.log.WithError(err).Warn("failed to close consumer channel")
		}
	}()
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return errors.Wrap(err, "setting prefetch")
	}
	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return errors.Wrapf(err, "consuming from %s", queue)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if b.conn.IsClosed() {
					return nil
				}
				return errors.Errorf("delivery channel for %s closed", queue)
			}
			outcome, err := handleDelivery(ctx, delivery.Body, handle)
			b.settle(delivery, delivery.MessageId, queue, outcome, err)
			if outcome == settleLeave {
				return nil
			}
		}
	}
}

func (b *AmqpBroker) HealthCheck(_ context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	return nil
}

func (b *AmqpBroker) Close() error {
	b.publishLock.Lock()
	defer b.publishLock.Unlock()
	if b.conn.IsClosed() {
		return nil
	}
	return errors.WithStack(b.conn.Close())
}
