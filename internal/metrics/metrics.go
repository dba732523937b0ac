/**
 * @description
 * Prometheus collectors for the payroll-service. Registered on the default
 * registry via promauto and exposed by promhttp on /metrics.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PayoutsConfirmed counts payouts that reached the confirmed status.
	PayoutsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payroll_payouts_confirmed_total",
		Help: "Number of payouts confirmed by the settlement gateway.",
	})

	// PayoutsFailed counts payouts that reached the failed status, by reason
	// code.
	PayoutsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_payouts_failed_total",
		Help: "Number of payouts that terminally failed, labelled by reason code.",
	}, []string{"reason"})

	// GatewayAttempts counts individual gateway submission attempts by
	// outcome (success, retryable_error, non_retryable_error).
	GatewayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_gateway_attempts_total",
		Help: "Number of settlement gateway submission attempts, labelled by outcome.",
	}, []string{"outcome"})

	// GatewayAttemptSeconds observes the latency of gateway submission
	// attempts.
	GatewayAttemptSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payroll_gateway_attempt_seconds",
		Help:    "Latency of settlement gateway submission attempts.",
		Buckets: prometheus.DefBuckets,
	})

	// RunsFinished counts runs reaching a terminal status.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_runs_finished_total",
		Help: "Number of payroll runs that reached a terminal status, labelled by status.",
	}, []string{"status"})

	// ArtifactsEmitted counts uploaded settlement artifacts.
	ArtifactsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_artifacts_emitted_total",
		Help: "Number of settlement artifacts uploaded, labelled by kind and verification outcome.",
	}, []string{"kind", "verified"})
)
