// Package metrics defines the Prometheus collectors exported by the risk node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hyperrisk"

// Metrics holds every collector. All methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	// Position lifecycle
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	OpenPositions   *prometheus.GaugeVec

	// Liquidation and ADL
	LiquidationQueueDepth prometheus.Gauge
	Liquidations          *prometheus.CounterVec
	ADLFills              *prometheus.CounterVec
	UnrecoveredLosses     *prometheus.CounterVec
	RiskTickDuration      prometheus.Histogram

	// Settlement bridge
	BridgeCalls    *prometheus.CounterVec
	BridgeFailures *prometheus.CounterVec
	BridgeDropped  *prometheus.CounterVec
	BridgePending  prometheus.Gauge

	// Lending
	LendingUtilization  *prometheus.GaugeVec
	LendingCandidates   prometheus.Gauge
	LendingLiquidations *prometheus.CounterVec

	// Lifecycle
	LifecycleTransitions *prometheus.CounterVec
	TokenStates          *prometheus.GaugeVec

	// Event sinks
	EventsDropped *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "position", Name: "opened_total",
			Help: "Positions opened, by side.",
		}, []string{"side"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "position", Name: "closed_total",
			Help: "Positions reaching a terminal status, by status.",
		}, []string{"status"}),
		OpenPositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "position", Name: "open",
			Help: "Open positions per token.",
		}, []string{"token"}),

		LiquidationQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "queue_depth",
			Help: "Candidates in the liquidation queue after the last detection pass.",
		}),
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "executions_total",
			Help: "Liquidation attempts, by result.",
		}, []string{"result"}),
		ADLFills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "adl_fills_total",
			Help: "Counterparty positions reduced by auto-deleveraging, by token.",
		}, []string{"token"}),
		UnrecoveredLosses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "unrecovered_loss_total",
			Help: "Bankruptcies whose deficit ADL could not fully cover, by token.",
		}, []string{"token"}),
		RiskTickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "risk_tick_seconds",
			Help:    "Duration of one mark-price risk tick over all tokens.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		BridgeCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "calls_total",
			Help: "Settlement intents delivered, by method.",
		}, []string{"method"}),
		BridgeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "failures_total",
			Help: "Settlement intents abandoned after retries, by method.",
		}, []string{"method"}),
		BridgeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "dropped_total",
			Help: "Settlement intents dropped because the outbox was full, by method.",
		}, []string{"method"}),
		BridgePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "pending",
			Help: "Settlement intents waiting in the outbox.",
		}),

		LendingUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lending", Name: "utilization_bps",
			Help: "Last observed pool utilization in basis points.",
		}, []string{"token"}),
		LendingCandidates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lending", Name: "queue_depth",
			Help: "Borrowers queued for lending liquidation.",
		}),
		LendingLiquidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lending", Name: "liquidations_total",
			Help: "Lending liquidation attempts, by result.",
		}, []string{"result"}),

		LifecycleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "transitions_total",
			Help: "Token activity state transitions.",
		}, []string{"from", "to"}),
		TokenStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "tokens",
			Help: "Tracked tokens per activity state.",
		}, []string{"state"}),

		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped by a full sink queue, by sink.",
		}, []string{"sink"}),
	}
}

func (m *Metrics) PositionOpened(side string) {
	if m != nil {
		m.PositionsOpened.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) PositionClosed(status string) {
	if m != nil {
		m.PositionsClosed.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetOpenPositions(token string, n int) {
	if m != nil {
		m.OpenPositions.WithLabelValues(token).Set(float64(n))
	}
}

func (m *Metrics) SetLiquidationQueue(n int) {
	if m != nil {
		m.LiquidationQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) LiquidationResult(result string) {
	if m != nil {
		m.Liquidations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ADLFill(token string) {
	if m != nil {
		m.ADLFills.WithLabelValues(token).Inc()
	}
}

func (m *Metrics) UnrecoveredLoss(token string) {
	if m != nil {
		m.UnrecoveredLosses.WithLabelValues(token).Inc()
	}
}

func (m *Metrics) ObserveRiskTick(seconds float64) {
	if m != nil {
		m.RiskTickDuration.Observe(seconds)
	}
}

func (m *Metrics) BridgeCall(method string) {
	if m != nil {
		m.BridgeCalls.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) BridgeFailure(method string) {
	if m != nil {
		m.BridgeFailures.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) BridgeDrop(method string) {
	if m != nil {
		m.BridgeDropped.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) SetBridgePending(n int) {
	if m != nil {
		m.BridgePending.Set(float64(n))
	}
}

func (m *Metrics) SetLendingUtilization(token string, bps uint64) {
	if m != nil {
		m.LendingUtilization.WithLabelValues(token).Set(float64(bps))
	}
}

func (m *Metrics) SetLendingQueue(n int) {
	if m != nil {
		m.LendingCandidates.Set(float64(n))
	}
}

func (m *Metrics) LendingResult(result string) {
	if m != nil {
		m.LendingLiquidations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) LifecycleTransition(from, to string) {
	if m != nil {
		m.LifecycleTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) SetTokenStates(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.TokenStates.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) EventDropped(sink string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(sink).Inc()
	}
}
