package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of ReportFailure.
const (
	outcomeDisabled        = "disabled"
	outcomeNotEligible     = "not_eligible"
	outcomeBudgetExhausted = "budget_exhausted"
	outcomeNoAlternatives  = "no_alternatives"
	outcomePolicySkipped   = "policy_skipped"
	outcomeAuto            = "auto"
	outcomeManual          = "manual"
)

var (
	failuresReportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallback_failures_reported_total",
		Help: "Failures reported to fallback orchestrators, by outcome.",
	}, []string{"outcome"})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallback_executions_total",
		Help: "Fallback executions emitted, by mode.",
	}, []string{"mode"})

	staleResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallback_stale_responses_total",
		Help: "User responses dropped because they did not match the pending event.",
	})

	responseTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallback_response_timeouts_total",
		Help: "Pending fallback events declined because the customer did not answer in time.",
	})
)

// GetFailuresReportedTotal exposes the reported-failures counter.
func GetFailuresReportedTotal() *prometheus.CounterVec { return failuresReportedTotal }

// GetExecutionsTotal exposes the executions counter.
func GetExecutionsTotal() *prometheus.CounterVec { return executionsTotal }

// GetStaleResponsesTotal exposes the stale-response counter.
func GetStaleResponsesTotal() prometheus.Counter { return staleResponsesTotal }

// GetResponseTimeoutsTotal exposes the response-timeout counter.
func GetResponseTimeoutsTotal() prometheus.Counter { return responseTimeoutsTotal }
