package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zeusync/docsync/internal/core/events/bus"
)

var (
	publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "publishes_total",
		Help:      "Channel publishes by event and result.",
	}, []string{"event", "result"})

	remoteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "remote_payloads_total",
		Help:      "Payloads received from the channel by event and result.",
	}, []string{"event", "result"})

	persistenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "persistence_total",
		Help:      "Load and save hook calls by operation and result.",
	}, []string{"op", "result"})

	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "resyncs_total",
		Help:      "Full-state rebroadcasts.",
	})

	flushBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "flush_bytes",
		Help:      "Size of coalesced document updates.",
		Buckets:   prometheus.ExponentialBuckets(32, 4, 8),
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "events_total",
		Help:      "Lifecycle events delivered to subscribers by type and result.",
	}, []string{"type", "result"})

	eventDelivery = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docsync",
		Subsystem: "provider",
		Name:      "event_delivery_seconds",
		Help:      "Time spent in lifecycle event handlers.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 7),
	})
)

// eventMetrics counts the lifecycle events of one provider. Buses can be
// shared, so deliveries on other topics are ignored.
type eventMetrics struct {
	topic string
}

var _ bus.EventBusObserver = (*eventMetrics)(nil)

func (m *eventMetrics) OnPublish(string, string, bus.Event) {}

func (m *eventMetrics) OnDelivered(topic, eventType string, _ int, err error, durationMicros int64) {
	if topic != m.topic {
		return
	}
	result := resultOK
	if err != nil {
		result = resultError
	}
	eventsTotal.WithLabelValues(eventType, result).Inc()
	eventDelivery.Observe(float64(durationMicros) / 1e6)
}

const (
	resultOK        = "ok"
	resultError     = "error"
	resultSkipped   = "skipped"
	resultIgnored   = "ignored"
	resultMalformed = "malformed"
)
