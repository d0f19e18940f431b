package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring session lifecycle and ring-timeout behavior
var (
	// Lifecycle metrics
	CallInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_initiated_total",
		Help: "Total number of calls initiated",
	}, []string{"kind", "is_group"})

	CallTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_transition_total",
		Help: "Total number of call status transitions committed",
	}, []string{"to_status"})

	CallTransitionConflictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_transition_conflict_total",
		Help: "Total number of optimistic-concurrency conflicts on status writes",
	})

	CallActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active_sessions",
		Help: "Current number of calls tracked by the active-call index",
	})

	// Ring timer metrics
	CallRingTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_ring_timeout_total",
		Help: "Total number of calls marked missed by the ring timer",
	})

	CallRingTimerStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_ring_timer_stale_total",
		Help: "Total number of ring timer fires discarded as stale",
	})

	// Admission control metrics
	CallAdmissionRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_admission_rejected_total",
		Help: "Total number of initiations rejected because a user was already in a call",
	})

	// Notification intent metrics
	CallIntentEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_intent_emitted_total",
		Help: "Total number of notification intents emitted",
	}, []string{"action"})

	CallIntentDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_intent_dispatch_total",
		Help: "Total number of intent dispatch attempts",
	}, []string{"status"}) // "delivered", "failed"

	// Duration metrics
	CallDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of terminated calls from start to end",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"end_reason"})
)
