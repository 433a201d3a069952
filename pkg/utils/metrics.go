package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callbridge_active_calls",
		Help: "The number of calls currently connected",
	})

	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callbridge_connected_sessions",
		Help: "The number of live transport sessions",
	})

	SignalingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbridge_signaling_events_total",
		Help: "The total number of signaling events processed",
	}, []string{"event"})

	CallConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callbridge_call_conflicts_total",
		Help: "Total number of simultaneous call attempts resolved as conflicts",
	})

	RandomMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callbridge_random_matches_total",
		Help: "Total number of successful random pairings",
	})

	BillingTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callbridge_billing_tick_errors_total",
		Help: "Total number of billing ticks that ended a call",
	})
)
