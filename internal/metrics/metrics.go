// Package metrics exposes prometheus counters for the real-time core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRouted counts inbound frames dispatched to a handler, by kind
	// ("inbox" or "booking").
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripstream_frames_routed_total",
		Help: "Inbound frames dispatched to a subscription handler.",
	}, []string{"kind"})

	// FramesDropped counts inbound frames discarded without a state change,
	// by reason ("malformed", "no_subscription", "no_tracker", "unknown_status").
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripstream_frames_dropped_total",
		Help: "Inbound frames discarded without a state change.",
	}, []string{"reason"})

	// DuplicatesSuppressed counts live messages absorbed by the
	// de-duplication window.
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripstream_duplicates_suppressed_total",
		Help: "Live chat messages suppressed as duplicate deliveries.",
	})

	// Reconnects counts automatic transport reconnection attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripstream_transport_reconnects_total",
		Help: "Automatic transport reconnection attempts.",
	})

	// PublishFailures counts optimistic sends that never reached the broker.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripstream_publish_failures_total",
		Help: "Outgoing publishes that failed at the transport.",
	})

	// BrokerPublished counts frames fanned out by the development broker,
	// by topic family.
	BrokerPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripstream_broker_published_total",
		Help: "Frames fanned out to topic subscribers by the broker.",
	}, []string{"kind"})
)
