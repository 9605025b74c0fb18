package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transaction acceptance metrics
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rscoin_checks_total",
		Help: "Total number of checkTx operations",
	}, []string{"status"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rscoin_commits_total",
		Help: "Total number of commitTx operations",
	}, []string{"status"})

	// Period metrics
	lblocksSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rscoin_lblocks_sealed_total",
		Help: "Total number of LBlocks sealed at period boundaries",
	})

	lblockTransactions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rscoin_lblock_transactions",
		Help:    "Transactions per sealed LBlock",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	hblocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rscoin_hblocks_total",
		Help: "Total number of HBlocks finalized by the bank",
	})

	hblockTransactions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rscoin_hblock_transactions",
		Help:    "Transactions per finalized HBlock",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	droppedResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rscoin_dropped_period_results_total",
		Help: "Period results dropped during bank-side validation",
	}, []string{"reason"})

	periodFinalizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rscoin_period_finalization_duration_seconds",
		Help:    "Duration of the bank's period finalization",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// Gauge metrics
	psetSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rscoin_pset_size",
		Help: "Current number of tentatively spent addrids",
	})

	utxoSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rscoin_utxo_size",
		Help: "Current number of unspent outputs held",
	})

	rosterSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rscoin_mintette_roster_size",
		Help: "Current number of mintettes in the bank roster",
	})

	currentPeriodGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rscoin_current_period",
		Help: "Current period id",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rscoin_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rscoin_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// recordCheck records a checkTx outcome.
func recordCheck(accepted bool) {
	status := "accepted"
	if !accepted {
		status = "refused"
	}
	checksTotal.WithLabelValues(status).Inc()
}

// recordCommit records a commitTx outcome.
func recordCommit(accepted bool) {
	status := "accepted"
	if !accepted {
		status = "refused"
	}
	commitsTotal.WithLabelValues(status).Inc()
}

// recordPeriodSealed records an LBlock sealed by finishPeriod.
func recordPeriodSealed(txCount int) {
	lblocksSealedTotal.Inc()
	lblockTransactions.Observe(float64(txCount))
}

// recordHBlock records a finalized HBlock.
func recordHBlock(txCount int) {
	hblocksTotal.Inc()
	hblockTransactions.Observe(float64(txCount))
}

// recordResultDropped records a period result dropped during
// validation.
func recordResultDropped(reason string) {
	droppedResultsTotal.WithLabelValues(reason).Inc()
}
