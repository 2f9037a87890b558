package mining

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pickaxe-app/pickaxe/internal/token"
)

var (
	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_sessions_started_total",
			Help:      "Total mining sessions started.",
		},
	)

	sessionsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_sessions_settled_total",
			Help:      "Total mining sessions settled, by terminal status.",
		},
		[]string{"status"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pickaxe",
			Name:      "mining_active_sessions",
			Help:      "Mining sessions currently active.",
		},
	)

	sessionsFlagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_sessions_flagged_total",
			Help:      "Sessions flagged by client-report validation.",
		},
	)

	amountCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_amount_credited_total",
			Help:      "Total PICK credited by mining settlements.",
		},
	)

	creditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_credit_failures_total",
			Help:      "Ledger credit attempts that failed after settlement.",
		},
	)

	creditsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_credits_recovered_total",
			Help:      "Uncredited sessions recovered by the sweeper.",
		},
	)

	sweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pickaxe",
			Name:      "mining_sweep_runs_total",
			Help:      "Total sweeper passes.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pickaxe",
			Name:      "mining_sweep_duration_seconds",
			Help:      "Duration of sweeper passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsStarted,
		sessionsSettled,
		activeSessions,
		sessionsFlagged,
		amountCredited,
		creditFailures,
		creditsRecovered,
		sweepRuns,
		sweepDuration,
	)
}

// microToFloat converts a micro-PICK amount to whole PICK for metrics.
// Metrics tolerate float imprecision; balances never use this.
func microToFloat(amount *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(float64(token.Micro.Int64()))).Float64()
	return f
}
