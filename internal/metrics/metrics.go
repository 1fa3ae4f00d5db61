package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbx_session_connected",
		Help: "1 while the PBX session is in the connected phase",
	}, []string{"source"})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_session_transitions_total",
		Help: "Session phase transitions",
	}, []string{"source", "phase"})

	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled by the supervisor",
	}, []string{"source"})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbx_action_duration_seconds",
		Help:    "Time from dispatch to resolution of a PBX action or command",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source", "action"})

	ActionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_action_results_total",
		Help: "PBX action outcomes",
	}, []string{"source", "action", "outcome"})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_events_received_total",
		Help: "Events decoded from the PBX",
	}, []string{"source"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_events_dropped_total",
		Help: "Events dropped because a handler mailbox was full",
	}, []string{"source", "type"})

	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbx_parse_errors_total",
		Help: "Malformed frames dropped by a codec",
	}, []string{"source"})

	RoutedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_events_total",
		Help: "Events handled by the router by resulting variant",
	}, []string{"source", "variant"})

	StaleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_stale_updates_total",
		Help: "Updates rejected because the stored record is newer",
	}, []string{"kind"})

	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_cache_ops_total",
		Help: "Status cache operations by result",
	}, []string{"backend", "op", "result"})

	ReaderFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_reader_fallbacks_total",
		Help: "Reads served by the durable store",
	}, []string{"kind", "reason"})
)
