package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TradesExecuted counts successful executions per mode and side
	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltapp_trades_executed_total",
			Help: "Total number of successfully executed trades",
		},
		[]string{"mode", "side"},
	)

	// TradesFailed counts failed executions per error code
	TradesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltapp_trades_failed_total",
			Help: "Total number of failed trade executions",
		},
		[]string{"error_code"},
	)

	// ExecutionLatency tracks adapter latency
	ExecutionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moltapp_execution_latency_seconds",
			Help:    "Trade execution latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	// TradeVolumeUSDC tracks executed USDC volume
	TradeVolumeUSDC = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltapp_trade_volume_usdc_total",
			Help: "Total USDC volume of executed trades",
		},
		[]string{"mode"},
	)

	// RecoveryLedgerEntries tracks ledger size per ledger instance and status
	RecoveryLedgerEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moltapp_recovery_ledger_entries",
			Help: "Failed trades held in the recovery ledger by status",
		},
		[]string{"ledger", "status"},
	)

	// RetryAttempts counts retries by outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltapp_retry_attempts_total",
			Help: "Total number of failed-trade retry attempts",
		},
		[]string{"outcome"},
	)

	// ReconciliationDiscrepancies counts non-matching positions by class
	ReconciliationDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltapp_reconciliation_discrepancies_total",
			Help: "Total number of position discrepancies found",
		},
		[]string{"type"},
	)

	// ReconciliationStatus is 0 healthy, 1 warning, 2 critical per agent
	ReconciliationStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moltapp_reconciliation_status",
			Help: "Last reconciliation status per agent (0 healthy, 1 warning, 2 critical)",
		},
		[]string{"agent"},
	)
)
