package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "relay",
		Name:      "peers",
		Help:      "Peers currently joined to a channel, counted once per channel.",
	})
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "relay",
		Name:      "channels",
		Help:      "Channels with at least one joined peer.",
	})
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "relay",
		Name:      "frames_received_total",
		Help:      "Frames received from peers by kind.",
	}, []string{"transport", "kind"})
	fanoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "relay",
		Name:      "frames_forwarded_total",
		Help:      "Broadcast frames queued to receiving peers.",
	})
	droppedPeersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "relay",
		Name:      "slow_peers_dropped_total",
		Help:      "Peers disconnected because their send queue was full.",
	})
)
