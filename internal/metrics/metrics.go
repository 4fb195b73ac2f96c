// Package metrics declares the Prometheus collectors exported by
// outboxd: message counts by terminal outcome and the current queue
// depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_submitted_total",
		Help: "Total number of messages accepted by the Submitter.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_sent_total",
		Help: "Total number of messages successfully delivered.",
	})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_failed_total",
		Help: "Total number of delivery attempts that failed but will be retried.",
	})

	MessagesDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_dead_total",
		Help: "Total number of messages that exhausted their retry budget.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_queue_depth",
		Help: "Current number of messages in queued or failed-pending-retry state.",
	})
)

// OnDeliveryResult is wired into deliverer.Engine's onResult callback;
// it increments the counter matching status.
func OnDeliveryResult(status string) {
	switch status {
	case "sent":
		MessagesSent.Inc()
	case "failed":
		MessagesFailed.Inc()
	case "dead":
		MessagesDead.Inc()
	}
}

// SetQueueDepth is wired into deliverer.Engine's onQueueDepth callback;
// it sets QueueDepth to the current number of messages awaiting delivery.
func SetQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}
