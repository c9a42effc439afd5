// Package payment holds the provider-neutral payment data model shared by the
// flow machine, the fallback orchestrator and the provider gateways.
package payment

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// IntentStatus is the provider-side status of a payment attempt.
type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	StatusRequiresAction        IntentStatus = "requires_action"
	StatusProcessing            IntentStatus = "processing"
	StatusSucceeded             IntentStatus = "succeeded"
	StatusFailed                IntentStatus = "failed"
	StatusCanceled              IntentStatus = "canceled"
)

// IsFinal reports whether no further provider-side action is expected.
func IsFinal(s IntentStatus) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// NextAction describes what the customer has to do before the intent can proceed.
type NextAction struct {
	Type        string `json:"type"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// Intent is the provider's representation of one payment attempt.
// Gateways return a fresh value for every call; holders never mutate it.
type Intent struct {
	ID           string           `json:"id"`
	Provider     string           `json:"provider"`
	Status       IntentStatus     `json:"status"`
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency"`
	NextAction   *NextAction      `json:"next_action,omitempty"`
	RedirectURL  string           `json:"redirect_url,omitempty"`
	ClientSecret string           `json:"client_secret,omitempty"`
	Raw          *structpb.Struct `json:"-"`
}

// NeedsUserAction is true when the intent waits on the customer.
func NeedsUserAction(in *Intent) bool {
	if in == nil {
		return false
	}
	return in.Status == StatusRequiresAction || in.NextAction != nil
}

// RawJSON renders the provider payload, or nil when there is none.
func (in *Intent) RawJSON() ([]byte, error) {
	if in == nil || in.Raw == nil {
		return nil, nil
	}
	return protojson.Marshal(in.Raw)
}
