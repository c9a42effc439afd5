package flow

import "github.com/yourorg/checkout-fallback/internal/payment"

// Event is one of Start, Confirm, Cancel, Refresh or Reset. The remaining
// implementations are internal completions the Machine sends itself.
type Event interface {
	eventName() string
}

// Start begins an attempt with a provider.
type Start struct {
	ProviderID  string
	Request     payment.Request
	FlowContext payment.FlowContext
}

// Confirm completes a pending customer action. An empty ReturnURL falls back
// to the request's ReturnURL.
type Confirm struct {
	ReturnURL string
}

// Cancel cancels the current intent.
type Cancel struct{}

// Refresh fetches the intent status.
type Refresh struct{}

// Reset returns a finished machine to idle.
type Reset struct{}

type operation string

const (
	opStart   operation = "start"
	opConfirm operation = "confirm"
	opCancel  operation = "cancel"
	opStatus  operation = "status"
)

type invokeDone struct {
	op     operation
	gen    uint64
	intent *payment.Intent
}

type invokeFailed struct {
	op  operation
	gen uint64
	err *payment.PaymentError
}

type pollDue struct{ gen uint64 }

type retryDue struct{ gen uint64 }

func (Start) eventName() string        { return "START" }
func (Confirm) eventName() string      { return "CONFIRM" }
func (Cancel) eventName() string       { return "CANCEL" }
func (Refresh) eventName() string      { return "REFRESH" }
func (Reset) eventName() string        { return "RESET" }
func (e invokeDone) eventName() string { return "done." + string(e.op) }
func (e invokeFailed) eventName() string {
	return "error." + string(e.op)
}
func (pollDue) eventName() string  { return "poll" }
func (retryDue) eventName() string { return "retry.status" }
