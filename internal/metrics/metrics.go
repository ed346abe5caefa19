// Package metrics exposes Prometheus instrumentation for the event
// broadcasting subsystem. Everything the core "absorbs and meters" instead
// of surfacing as an error is visible here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_events_emitted_total",
		Help: "Events accepted by Bus.Emit, by category",
	}, []string{"category"})
	EventsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_events_filtered_total",
		Help: "Events dropped by a global filter",
	})
	EventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_events_persisted_total",
		Help: "Events written to the repository",
	})
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_persistence_failures_total",
		Help: "Repository writes that failed; the event became ephemeral",
	})
	QueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_ingress_queue_full_total",
		Help: "Emit calls that found the ingress queue at capacity",
	})
	IngressQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventstream_ingress_queue_depth",
		Help: "Events waiting in the ingress queue",
	})
	ProcessorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_processor_failures_total",
		Help: "In-process event handlers that returned an error or panicked",
	}, []string{"event_type"})

	// Delivery
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_deliveries_total",
		Help: "Delivery attempts by final status of the attempt",
	}, []string{"status"})
	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_delivery_retries_total",
		Help: "Deliveries re-attempted by the retry sweeper",
	})

	// Batcher
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_batches_flushed_total",
		Help: "Batches flushed, by trigger (timeout, full, urgent, drain)",
	}, []string{"trigger"})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventstream_batch_size_events",
		Help:    "Events per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})
	BatchesCompressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_batches_compressed_total",
		Help: "Flushed batches that cleared the compression ratio gate",
	})
	BatcherOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_batcher_queue_overflow_total",
		Help: "Messages dropped (oldest-first) from a full per-user batcher queue",
	})
	BatchBypass = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_batch_bypass_total",
		Help: "Events that skipped batching via priority bypass",
	})

	// Sessions
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventstream_sessions_active",
		Help: "Open client sessions",
	})
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_sessions_total",
		Help: "Sessions accepted since start",
	})
	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_sessions_rejected_total",
		Help: "Session admissions rejected, by reason",
	}, []string{"reason"})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_sessions_closed_total",
		Help: "Sessions closed, by reason",
	}, []string{"reason"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_messages_sent_total",
		Help: "Frames written to sessions",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_messages_received_total",
		Help: "Frames read from sessions",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_bytes_sent_total",
		Help: "Payload bytes written to sessions",
	})
	SlowSessionDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_slow_session_disconnects_total",
		Help: "Sessions disconnected after repeated full-buffer strikes",
	})
	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_rate_limited_messages_total",
		Help: "Inbound frames dropped by the per-session rate limiter",
	})

	// Replay
	ReplaysStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_replays_started_total",
		Help: "Replay sessions started",
	})
	ReplaysFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_replays_finished_total",
		Help: "Replay sessions finished, by terminal status",
	}, []string{"status"})
	ReplayEventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_replay_events_emitted_total",
		Help: "Historical events re-emitted to owners",
	})

	// Critical notifier
	NotificationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_notifications_created_total",
		Help: "Critical notifications created",
	})
	NotificationsAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_notifications_acknowledged_total",
		Help: "Critical notifications acknowledged",
	})
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_escalations_total",
		Help: "Escalation deliveries fired, by level",
	}, []string{"level"})
	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventstream_ack_latency_seconds",
		Help:    "Seconds between first notification delivery and acknowledgement",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// Ingest / sysmon producers
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventstream_ingest_messages_total",
		Help: "Broker messages converted into bus events, by outcome",
	}, []string{"outcome"})
	SystemSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventstream_system_samples_total",
		Help: "System metric samples emitted as events",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
