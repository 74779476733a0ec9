// Package monitor registers the process-wide prometheus collectors.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayRequests counts dispatched client requests by family:kind and
	// final status class.
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "relay_requests_total",
		Help:      "Dispatched relay requests.",
	}, []string{"api_format", "status"})

	// RelayRetries counts candidate failovers.
	RelayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "relay_retries_total",
		Help:      "Candidate failover attempts after a retryable failure.",
	})

	// BillingRequests counts billing calculations by resolved engine mode.
	BillingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "billing_requests_total",
		Help:      "Billing calculations by engine mode.",
	}, []string{"mode"})

	// BillingDiffExceedsThreshold counts legacy/new totals diverging beyond
	// the configured threshold.
	BillingDiffExceedsThreshold = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "billing_diff_exceeds_threshold_total",
		Help:      "Shadow billing diffs above the configured USD threshold.",
	})

	// BillingFallback counts new_with_fallback requests that reverted to the
	// legacy total.
	BillingFallback = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "billing_fallback_total",
		Help:      "Billing calculations that fell back from the new engine to legacy.",
	})

	// BillingInvariantViolation counts snapshots whose total drifts from the
	// sum of their breakdown.
	BillingInvariantViolation = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "billing_invariant_violation_total",
		Help:      "Billing snapshots violating total == sum(breakdown).",
	})

	// VideoPollTicks counts poller scans that held the distributed lock.
	VideoPollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "video_poll_ticks_total",
		Help:      "Video poller ticks that acquired the scan lock.",
	})

	// VideoPolls counts individual task polls by outcome.
	VideoPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aether",
		Name:      "video_polls_total",
		Help:      "Video task polls by outcome.",
	}, []string{"outcome"})
)
