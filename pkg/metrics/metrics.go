// Package metrics defines the Prometheus counters exposed by the worker's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline outcomes
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsup_messages_processed_total",
			Help: "Inbound messages reaching a terminal state",
		},
		[]string{"outcome"}, // "generated", "ignored", "self", "already_done", "dead_lettered"
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whatsup_generation_duration_seconds",
			Help:    "Reply generation latency including retries",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Event store
	AppendConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whatsup_append_conflicts_total",
			Help: "Optimistic-concurrency conflicts on event append",
		},
	)

	// Change feed
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsup_events_published_total",
			Help: "Committed events republished to the broker",
		},
		[]string{"event_type"},
	)

	ChangeFeedLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whatsup_change_feed_checkpoint_position",
			Help: "Last acknowledged change-feed position",
		},
	)

	// Dead letters
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsup_dead_letters_total",
			Help: "Messages routed to the dead-letter topic",
		},
		[]string{"error_type"},
	)
)
