// Package reporting summarizes what happened during a checkout session.
package reporting

import (
	"sort"
	"time"

	"github.com/yourorg/checkout-fallback/internal/bridge"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

// Outcome classifies a LogEntry.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomePending Outcome = "PENDING"
)

// LogEntry is one payment attempt of a session.
type LogEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	SessionID       string    `json:"session_id"`
	RequestID       string    `json:"request_id,omitempty"`
	IntentID        string    `json:"intent_id,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Provider        string    `json:"provider"`
	Fallback        bool      `json:"fallback"`
	WasAutoFallback bool      `json:"was_auto_fallback"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// RetrospectiveReport summarizes a collection of log entries.
type RetrospectiveReport struct {
	TotalAttempts        int              `json:"total_attempts"`
	SuccessfulPayments   int              `json:"successful_payments"`
	FailedPayments       int              `json:"failed_payments"`
	PendingPayments      int              `json:"pending_payments"`
	Fallbacks            int              `json:"fallbacks"`
	AutoFallbacks        int              `json:"auto_fallbacks"`
	TotalAmountProcessed int64            `json:"total_amount_processed"` // successful attempts only
	AmountByCurrency     map[string]int64 `json:"amount_by_currency"`
	ErrorBreakdown       map[string]int   `json:"error_breakdown"`
	ProviderUsage        map[string]int   `json:"provider_usage"`
	DateFrom             time.Time        `json:"date_from"`
	DateTo               time.Time        `json:"date_to"`
	ProcessingDuration   time.Duration    `json:"processing_duration"`
}

// RetrospectiveReporter generates retrospective reports.
type RetrospectiveReporter struct{}

// NewRetrospectiveReporter creates a RetrospectiveReporter.
func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

// SessionEntries merges the intents a bridge recorded with the failures the
// fallback orchestrator logged, ordered by time. Every failure after the
// first one of a chain was itself a fallback attempt.
func SessionEntries(sessionID string, req payment.Request, history []bridge.Entry, failures []fallback.FailedAttempt) []LogEntry {
	out := make([]LogEntry, 0, len(history)+len(failures))
	for _, h := range history {
		e := LogEntry{
			Timestamp:       h.UpdatedAt,
			SessionID:       sessionID,
			RequestID:       req.ID,
			IntentID:        h.IntentID,
			Amount:          h.Amount,
			Currency:        h.Currency,
			Provider:        h.Provider,
			Fallback:        h.Fallback,
			WasAutoFallback: h.WasAutoFallback,
		}
		switch h.Status {
		case payment.StatusSucceeded:
			e.Outcome = OutcomeSuccess
		case payment.StatusFailed, payment.StatusCanceled:
			e.Outcome = OutcomeFailure
			e.ErrorCode = "intent_" + string(h.Status)
		default:
			e.Outcome = OutcomePending
		}
		out = append(out, e)
	}
	for i, f := range failures {
		e := LogEntry{
			Timestamp:       f.Timestamp,
			SessionID:       sessionID,
			RequestID:       req.ID,
			Outcome:         OutcomeFailure,
			Amount:          req.Amount,
			Currency:        req.Currency,
			Provider:        f.Provider,
			Fallback:        i > 0,
			WasAutoFallback: f.WasAutoFallback,
		}
		if f.Error != nil {
			e.ErrorCode = string(f.Error.Code)
			e.ErrorMessage = f.Error.Message
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// GenerateRetrospective analyzes logs and produces a RetrospectiveReport.
func (rr *RetrospectiveReporter) GenerateRetrospective(logs []LogEntry) (*RetrospectiveReport, error) {
	report := &RetrospectiveReport{
		AmountByCurrency: make(map[string]int64),
		ErrorBreakdown:   make(map[string]int),
		ProviderUsage:    make(map[string]int),
	}

	for i, log := range logs {
		report.TotalAttempts++

		if i == 0 || log.Timestamp.Before(report.DateFrom) {
			report.DateFrom = log.Timestamp
		}
		if i == 0 || log.Timestamp.After(report.DateTo) {
			report.DateTo = log.Timestamp
		}

		if log.Provider != "" {
			report.ProviderUsage[log.Provider]++
		}
		if log.Fallback {
			report.Fallbacks++
		}
		if log.WasAutoFallback {
			report.AutoFallbacks++
		}

		switch log.Outcome {
		case OutcomeSuccess:
			report.SuccessfulPayments++
			report.TotalAmountProcessed += log.Amount
			report.AmountByCurrency[log.Currency] += log.Amount
		case OutcomeFailure:
			report.FailedPayments++
			if log.ErrorCode != "" {
				report.ErrorBreakdown[log.ErrorCode]++
			}
		case OutcomePending:
			report.PendingPayments++
		}
	}

	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	return report, nil
}
