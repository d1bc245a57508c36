package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_feeds"

var (
	ChannelsActive      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "realtime", Name: "channels_active", Help: "Transport channels currently open"})
	TransportSubscribes = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "realtime", Name: "transport_subscribes_total", Help: "Transport-level channel subscribes issued"})
	TransportTeardowns  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "realtime", Name: "transport_teardowns_total", Help: "Transport-level channel teardowns"})
	EventsDelivered     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "realtime", Name: "events_delivered_total", Help: "Change events fanned out to listeners"},
		[]string{"table"},
	)
	ListenerPanics  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "realtime", Name: "listener_panics_total", Help: "Listener callbacks that panicked"})
	ChannelStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "realtime", Name: "channel_status_total", Help: "Channel status notifications by status"},
		[]string{"status"},
	)

	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "reconcile", Name: "actions_total", Help: "Reconciliation actions taken by kind"},
		[]string{"actor", "action"},
	)
	ReconcileDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "reconcile", Name: "events_dropped_total", Help: "Events dropped before reconciliation"},
		[]string{"reason"},
	)
	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "reconcile", Name: "fetches_total", Help: "Feed fetches by trigger and result"},
		[]string{"trigger", "result"},
	)
	FeedFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: "reconcile", Name: "fetch_latency_seconds", Help: "Feed fetch latency seconds"})

	TransitionEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "transition", Name: "effects_total", Help: "User-facing effects fired on feed transitions"},
		[]string{"actor", "from", "to"},
	)

	RPCOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "rpc", Name: "outcomes_total", Help: "Backend RPC outcomes by call and code"},
		[]string{"call", "code"},
	)

	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_open", Help: "Feed sessions currently open"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
