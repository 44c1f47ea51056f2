package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

var (
	// EventsPublished counts raw events handed to the dispatcher, by type.
	EventsPublished = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcontrol",
		Subsystem: "dispatcher",
		Name:      "events_published_total",
		Help:      "Events handed to the dispatcher by event type.",
	}, []string{"event_type"})

	// ListenerCallbacks counts listener invocations and their outcome.
	ListenerCallbacks = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcontrol",
		Subsystem: "dispatcher",
		Name:      "listener_callbacks_total",
		Help:      "Listener callbacks by outcome (ok, panic, skipped).",
	}, []string{"outcome"})

	// ActionAttempts counts action client invocations, including retries.
	ActionAttempts = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcontrol",
		Subsystem: "operation",
		Name:      "action_attempts_total",
		Help:      "Action client attempts by operation name.",
	}, []string{"operation"})

	// ActionFailures counts final (post-retry) action failures by error kind.
	ActionFailures = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcontrol",
		Subsystem: "operation",
		Name:      "action_failures_total",
		Help:      "Final action failures by classified error kind.",
	}, []string{"operation", "kind"})

	// ActionDuration observes wall time per executed operation.
	ActionDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "callcontrol",
		Subsystem: "operation",
		Name:      "action_duration_seconds",
		Help:      "Wall time of executed operations including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// DialOutcomes counts terminal dial results by status string.
	DialOutcomes = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcontrol",
		Subsystem: "dial",
		Name:      "outcomes_total",
		Help:      "Terminal dial outcomes by dial status.",
	}, []string{"status"})

	// ActiveBridges tracks bridges this client currently believes exist.
	ActiveBridges = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "callcontrol",
		Subsystem: "bridge",
		Name:      "active",
		Help:      "Bridges created and not yet destroyed.",
	})

	// ConferenceMembers tracks members per conference.
	ConferenceMembers = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "callcontrol",
		Subsystem: "conference",
		Name:      "members",
		Help:      "Channels currently joined per conference.",
	}, []string{"conference"})
)

// Registry exposes the library collectors so the host application can mount
// them on its own handler. The library never serves HTTP itself.
func Registry() *prometheus.Registry {
	return registry
}
