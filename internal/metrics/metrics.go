package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ consume latency (milliseconds), labelled by event type.
	EventConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "Inbound event consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"event_type"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total inbound queue events by outcome",
		},
		[]string{"event_type", "outcome"}, // outcome: processed, duplicate, malformed, error
	)

	ChannelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_send_total",
			Help: "Total channel send attempts by channel and status",
		},
		[]string{"channel", "status"}, // status: sent, failed, deferred
	)

	RetryCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_cycles_total",
			Help: "Total retry scheduler cycles run",
		},
	)

	RetriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_processed_total",
			Help: "Total retry records processed by outcome",
		},
		[]string{"channel", "outcome"}, // outcome: succeeded, rescheduled, failed_permanently
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_live_connections",
			Help: "Currently open websocket connections",
		},
	)
)

func ObserveConsumeLatency(eventType string, d time.Duration) {
	EventConsumeLatency.WithLabelValues(eventType).Observe(float64(d.Milliseconds()))
}
