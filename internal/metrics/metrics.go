// Package metrics exposes the orchestrator's prometheus surface: a
// custom registry, promauto-built vectors keyed by workflow/symbol
// rather than trader_id, and a handful of Record*/Set* helpers mirroring
// the teacher's own update functions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom prometheus registry for the orchestrator.
	Registry = prometheus.NewRegistry()

	mu sync.RWMutex

	// WorkflowRunsTotal counts workflow run completions by outcome.
	WorkflowRunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Total workflow runs by terminal status",
		},
		[]string{"workflow", "status"},
	)

	// WorkflowRunDurationSeconds observes end-to-end run latency.
	WorkflowRunDurationSeconds = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	// StageDurationSeconds observes per-stage latency within a run.
	StageDurationSeconds = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow", "stage"},
	)

	// SchedulerSkipsTotal counts triggers the scheduler dropped under the
	// non-overlap rule; weekend/holiday gating is not counted.
	SchedulerSkipsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "Trigger evaluations skipped, by reason",
		},
		[]string{"workflow", "reason"}, // reason: "overlap"
	)

	// OrdersTotal counts order placements by the trade state execution
	// left them in (REJECTED, EXPIRED, OPEN or CLOSING).
	OrdersTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "Orders placed, by resulting trade state",
		},
		[]string{"symbol", "state"},
	)

	// OpenPositions tracks currently open trade count.
	OpenPositions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "execution",
			Name:      "open_positions",
			Help:      "Number of currently open trades",
		},
	)

	// RealizedPnLTotal tracks cumulative realized P&L for the session.
	RealizedPnLTotal = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "ledger",
			Name:      "realized_pnl_total",
			Help:      "Cumulative realized P&L for the trading session",
		},
		[]string{"session_id"},
	)

	// DailyLossFloorDistance tracks remaining headroom to the daily-loss
	// floor (positive means room remains; negative means the monitor's
	// cumulative guard is tightening stops).
	DailyLossFloorDistance = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "monitor",
			Name:      "daily_loss_floor_distance",
			Help:      "Distance remaining to the daily-loss floor",
		},
	)

	// BrokerErrorsTotal counts typed broker failures.
	BrokerErrorsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Broker port failures by tag",
		},
		[]string{"tag"}, // RATE_LIMIT, AUTH_EXPIRED, UPSTREAM, INVALID_SYMBOL
	)

	// TokenRefreshesTotal counts auth ladder transitions.
	TokenRefreshesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "auth",
			Name:      "token_transitions_total",
			Help:      "Token lifecycle transitions by step",
		},
		[]string{"step"}, // probe_ok, refreshed, reauth_required
	)
)

// Init registers the Go runtime and process collectors, mirroring the
// teacher's startup registration.
func Init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RecordWorkflowRun updates the run counters/histogram for a completed run.
func RecordWorkflowRun(workflow, status string, durationSeconds float64) {
	mu.Lock()
	defer mu.Unlock()
	WorkflowRunsTotal.WithLabelValues(workflow, status).Inc()
	WorkflowRunDurationSeconds.WithLabelValues(workflow).Observe(durationSeconds)
}

// RecordStage updates the stage-latency histogram.
func RecordStage(workflow, stage string, durationSeconds float64) {
	StageDurationSeconds.WithLabelValues(workflow, stage).Observe(durationSeconds)
}

// RecordSchedulerSkip increments the skip counter for a trigger evaluation.
func RecordSchedulerSkip(workflow, reason string) {
	SchedulerSkipsTotal.WithLabelValues(workflow, reason).Inc()
}

// RecordOrder increments the order-state counter.
func RecordOrder(symbol, state string) {
	OrdersTotal.WithLabelValues(symbol, state).Inc()
}

// SetOpenPositions sets the live open-position gauge.
func SetOpenPositions(n int) {
	OpenPositions.Set(float64(n))
}

// SetRealizedPnL sets the realized P&L gauge for a session.
func SetRealizedPnL(sessionID string, pnl float64) {
	RealizedPnLTotal.WithLabelValues(sessionID).Set(pnl)
}

// SetDailyLossFloorDistance sets the monitor's headroom gauge.
func SetDailyLossFloorDistance(distance float64) {
	DailyLossFloorDistance.Set(distance)
}

// RecordBrokerError increments the broker error counter for a failure tag.
func RecordBrokerError(tag string) {
	BrokerErrorsTotal.WithLabelValues(tag).Inc()
}

// RecordTokenTransition increments the auth ladder step counter.
func RecordTokenTransition(step string) {
	TokenRefreshesTotal.WithLabelValues(step).Inc()
}
