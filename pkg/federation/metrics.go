package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation-wide metrics
type Metrics struct {
	// Authentication metrics
	AuthAccepted  prometheus.Counter
	AuthRejected  *prometheus.CounterVec // by rejection reason
	ReplaysSeen   prometheus.Counter
	ReplaySetSize prometheus.Gauge

	// Key resolution metrics
	KeyCacheHits           prometheus.Counter
	KeyCacheMisses         prometheus.Counter
	RemoteKeyFetches       prometheus.Counter
	RemoteKeyFetchFailures prometheus.Counter

	// Messaging metrics
	MessagesCreated   prometheus.Counter
	IdempotentReplays prometheus.Counter
	TokenConflicts    prometheus.Counter

	// Realtime metrics
	SessionsActive   prometheus.Gauge
	Subscriptions    prometheus.Gauge
	EventsDelivered  prometheus.Counter
	SessionsDropped  prometheus.Counter
	SubscribeDenials prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		AuthAccepted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_auth_accepted_total",
			Help: "Total number of requests that passed signature verification",
		}),
		AuthRejected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ofscp_auth_rejected_total",
			Help: "Total number of rejected requests by reason",
		}, []string{"reason"}),
		ReplaysSeen: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_replays_seen_total",
			Help: "Total number of exact replays blocked inside the skew window",
		}),
		ReplaySetSize: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "ofscp_replay_set_size",
			Help: "Current number of signatures tracked by the replay guard",
		}),

		KeyCacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_key_cache_hits_total",
			Help: "Total number of key cache hits",
		}),
		KeyCacheMisses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_key_cache_misses_total",
			Help: "Total number of key cache misses",
		}),
		RemoteKeyFetches: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_remote_key_fetches_total",
			Help: "Total number of remote key discovery attempts",
		}),
		RemoteKeyFetchFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_remote_key_fetch_failures_total",
			Help: "Total number of failed remote key discovery attempts",
		}),

		MessagesCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_messages_created_total",
			Help: "Total number of messages committed",
		}),
		IdempotentReplays: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_idempotent_replays_total",
			Help: "Total number of message submissions answered from an idempotency record",
		}),
		TokenConflicts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_token_conflicts_total",
			Help: "Total number of idempotency token reuses with a different payload",
		}),

		SessionsActive: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "ofscp_realtime_sessions",
			Help: "Number of live realtime sessions",
		}),
		Subscriptions: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "ofscp_realtime_subscriptions",
			Help: "Number of active channel subscriptions",
		}),
		EventsDelivered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_realtime_events_delivered_total",
			Help: "Total number of events delivered to sessions",
		}),
		SessionsDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_realtime_sessions_dropped_total",
			Help: "Total number of sessions dropped for backpressure",
		}),
		SubscribeDenials: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ofscp_realtime_subscribe_denials_total",
			Help: "Total number of subscriptions denied for missing membership",
		}),
	}
}
