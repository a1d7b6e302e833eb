package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AddressesScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_addresses_scanned_total",
		Help:      "Total deposit addresses scanned.",
	}, []string{"chain"})

	DepositsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_deposits_detected_total",
		Help:      "Total new deposits discovered by chain monitors.",
	}, []string{"chain"})

	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_deposits_credited_total",
		Help:      "Total deposits credited to user balances.",
	}, []string{"chain"})

	ScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_scan_errors_total",
		Help:      "Per-address scan failures (transient upstream included).",
	}, []string{"chain"})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_sweep_errors_total",
		Help:      "Per-deposit confirmation sweep failures.",
	}, []string{"chain"})

	CyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_scan_cycles_skipped_total",
		Help:      "Scan ticks skipped because a cycle was already in flight.",
	})

	WithdrawalsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultex",
		Name:      "wallet_withdrawals_requested_total",
		Help:      "Withdrawal requests accepted (funds locked).",
	}, []string{"chain"})
)
