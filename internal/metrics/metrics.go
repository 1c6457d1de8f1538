package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

var (
	// Lifecycle operations
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsettle_operations_total",
			Help: "Total number of market lifecycle operations",
		},
		[]string{"op", "code"}, // create/split/merge/settle/claim, ok or error code
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketsettle_operation_duration_seconds",
			Help:    "Duration of market lifecycle operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	// Collateral movement, in minor units
	CollateralMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsettle_collateral_moved_total",
			Help: "Collateral moved into or out of market vaults, in minor units",
		},
		[]string{"direction"}, // in (split), out (merge, claim)
	)

	MarketsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsettle_markets_settled_total",
			Help: "Total number of markets settled",
		},
		[]string{"outcome"},
	)

	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsettle_lock_contention_total",
			Help: "Lock acquisitions that had to wait for another holder",
		},
	)

	// Archive runs
	MarketsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsettle_markets_archived_total",
			Help: "Total number of settled markets written to the archive",
		},
	)

	ArchiveRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsettle_archive_runs_total",
			Help: "Total number of archive runs",
		},
		[]string{"status"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsettle_api_rate_limited_total",
			Help: "API requests rejected by the rate limiter",
		},
	)

	// System health
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsettle_health_checks_total",
			Help: "Total number of health check requests",
		},
		[]string{"status"}, // healthy/unhealthy
	)
)

// RecordOperation records the outcome and latency of a lifecycle operation.
func RecordOperation(op string, duration time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = domain.ErrorCode(err)
	}
	Operations.WithLabelValues(op, code).Inc()
	OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCollateral records collateral entering ("in") or leaving ("out")
// a vault.
func RecordCollateral(direction string, amount uint64) {
	CollateralMoved.WithLabelValues(direction).Add(float64(amount))
}

// RecordSettlement records a settled market.
func RecordSettlement(outcome domain.Outcome) {
	MarketsSettled.WithLabelValues(outcome.String()).Inc()
}

// RecordArchive records one archive run.
func RecordArchive(archived int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ArchiveRuns.WithLabelValues(status).Inc()
	MarketsArchived.Add(float64(archived))
}

func RecordRateLimited() {
	RateLimited.Inc()
}

// RecordHealthCheck records health check status
func RecordHealthCheck(healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	HealthChecks.WithLabelValues(status).Inc()
}
