// Package metrics holds the process-wide Prometheus collectors shared by
// the scheduler and the streaming bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsAdmitted counts sessions that passed the admission gate.
	SessionsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_sessions_admitted_total",
		Help: "Total number of sessions admitted to the scheduler",
	})

	// SessionsActive is the number of sessions currently prefilling or
	// decoding.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llm_sessions_active",
		Help: "Number of sessions currently held by the scheduler",
	})

	// PrefillQueueDepth is the number of sessions waiting for their prefill
	// pass.
	PrefillQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llm_prefill_queue_depth",
		Help: "Number of sessions waiting for a prefill pass",
	})

	// DecodeRingDepth is the number of sessions waiting for their next
	// round-robin decode turn.
	DecodeRingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llm_decode_ring_depth",
		Help: "Number of sessions waiting in the decode round-robin ring",
	})

	// TokensGenerated counts sampled tokens across all sessions.
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_tokens_generated_total",
		Help: "Total number of tokens sampled across all sessions",
	})
)
