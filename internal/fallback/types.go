package fallback

import (
	"slices"
	"time"

	"github.com/zoobzio/hookz"

	"github.com/yourorg/checkout-fallback/internal/payment"
)

// Mode selects who decides to execute a fallback.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Status is the orchestrator's position in the fallback protocol.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusPending       Status = "pending"
	StatusExecuting     Status = "executing"
	StatusAutoExecuting Status = "auto_executing"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// Event keys for the orchestrator's streams.
const (
	EventFallbackAvailable   = hookz.Key("fallback.available")
	EventUserResponse        = hookz.Key("fallback.user_response")
	EventFallbackExecute     = hookz.Key("fallback.execute")
	EventAutoFallbackStarted = hookz.Key("fallback.auto_started")
	EventStateChanged        = hookz.Key("fallback.state_changed")
)

// Config is fixed for the lifetime of an Orchestrator.
type Config struct {
	Enabled             bool                `json:"enabled"`
	MaxAttempts         int                 `json:"max_attempts"`
	UserResponseTimeout time.Duration       `json:"user_response_timeout"`
	TriggerErrorCodes   []payment.ErrorCode `json:"trigger_error_codes"`
	ProviderPriority    []string            `json:"provider_priority"`
	Mode                Mode                `json:"mode"`
	AutoFallbackDelay   time.Duration       `json:"auto_fallback_delay"`
	MaxAutoFallbacks    int                 `json:"max_auto_fallbacks"`
}

// Triggers reports whether errors with code are fallback-eligible.
func (c Config) Triggers(code payment.ErrorCode) bool {
	return slices.Contains(c.TriggerErrorCodes, code)
}

// FailedAttempt records one reported failure.
type FailedAttempt struct {
	Provider        string                `json:"provider"`
	Error           *payment.PaymentError `json:"error"`
	Timestamp       time.Time             `json:"timestamp"`
	WasAutoFallback bool                  `json:"was_auto_fallback"`
}

// AvailableEvent offers the customer a choice of alternative providers.
// EventID correlates the eventual UserResponse.
type AvailableEvent struct {
	EventID              string                `json:"event_id"`
	FailedProvider       string                `json:"failed_provider"`
	Error                *payment.PaymentError `json:"error"`
	AlternativeProviders []string              `json:"alternative_providers"`
	OriginalRequest      payment.Request       `json:"original_request"`
	Timestamp            time.Time             `json:"timestamp"`
}

// UserResponse answers an AvailableEvent.
type UserResponse struct {
	EventID          string `json:"event_id"`
	Accepted         bool   `json:"accepted"`
	SelectedProvider string `json:"selected_provider,omitempty"`
	TimedOut         bool   `json:"timed_out,omitempty"`
}

// ExecuteEvent asks the payment flow to retry Request with Provider.
type ExecuteEvent struct {
	Request        payment.Request `json:"request"`
	Provider       string          `json:"provider"`
	IsAutoFallback bool            `json:"is_auto_fallback"`
}

// AutoStartedEvent announces a scheduled automatic fallback.
type AutoStartedEvent struct {
	FailedProvider string        `json:"failed_provider"`
	Provider       string        `json:"provider"`
	Delay          time.Duration `json:"delay"`
}

// State is the orchestrator's state for one checkout session.
type State struct {
	Status          Status          `json:"status"`
	PendingEvent    *AvailableEvent `json:"pending_event,omitempty"`
	FailedAttempts  []FailedAttempt `json:"failed_attempts"`
	CurrentProvider string          `json:"current_provider,omitempty"`
	IsAutoFallback  bool            `json:"is_auto_fallback"`
}

func (s State) clone() State {
	out := s
	out.FailedAttempts = append([]FailedAttempt(nil), s.FailedAttempts...)
	if s.PendingEvent != nil {
		evt := *s.PendingEvent
		evt.AlternativeProviders = append([]string(nil), s.PendingEvent.AlternativeProviders...)
		out.PendingEvent = &evt
	}
	return out
}

func initialState() State {
	return State{Status: StatusIdle}
}

func autoFallbackCount(attempts []FailedAttempt) int {
	n := 0
	for _, a := range attempts {
		if a.WasAutoFallback {
			n++
		}
	}
	return n
}

func failedProviders(attempts []FailedAttempt) []string {
	out := make([]string, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.Provider)
	}
	return out
}
