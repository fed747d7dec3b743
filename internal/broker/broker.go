package broker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
)

var ErrClosed = errors.New("broker is closed")

// Broker carries job messages from submitters to workers and task events back. Delivery is at
// least once in both directions, so handlers must tolerate duplicates.
type Broker interface {
	Submit(ctx context.Context, msg JobMessage) error
	// Consume hands jobs to handle until ctx is done. A job is acknowledged once handle returns;
	// if the consumer dies first the job is delivered again. Consume may be called from several
	// goroutines to process jobs in parallel.
	Consume(ctx context.Context, handle func(context.Context, JobMessage)) error
	Notify(ctx context.Context, event TaskEvent) error
	// Listen hands task events to handle until ctx is done.
	Listen(ctx context.Context, handle func(context.Context, TaskEvent)) error
	HealthCheck(ctx context.Context) error
	Close() error
}

var messagesPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "broker_messages_published_total",
		Help: "Messages published to the broker by message type and outcome",
	},
	[]string{"type", "outcome"},
)

var messagesDiscarded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "broker_messages_discarded_total",
		Help: "Messages dropped because they could not be decoded",
	},
	[]string{"type"},
)

func recordPublish(messageType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	messagesPublished.WithLabelValues(messageType, outcome).Inc()
}
