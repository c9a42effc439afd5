// Package adapter defines the contracts payment providers implement.
// A provider is exposed through a Factory, which tells callers which payment
// methods it accepts, builds a Strategy that validates requests for one
// method, and hands out the Gateway that performs the network calls.
// Gateways normalize every provider failure into a *payment.PaymentError.
package adapter

import (
	"context"

	"github.com/yourorg/checkout-fallback/internal/payment"
)

// Gateway performs the network operations of one payment attempt.
// Every method resolves with a new Intent or fails with an error that
// payment.Normalize can classify.
type Gateway interface {
	Start(ctx context.Context, providerID string, req payment.Request, flow payment.FlowContext) (*payment.Intent, error)
	Confirm(ctx context.Context, providerID, intentID, returnURL string) (*payment.Intent, error)
	Cancel(ctx context.Context, providerID, intentID string) (*payment.Intent, error)
	Status(ctx context.Context, providerID, intentID string) (*payment.Intent, error)
}

// Strategy validates and prepares requests for a single payment method.
type Strategy interface {
	MethodType() string
	Validate(req payment.Request) error
}

// Factory is the registry entry of one provider.
type Factory interface {
	SupportsMethod(methodType string) bool
	CreateStrategy(methodType string) (Strategy, error)
	Gateway() Gateway
}

// BasicStrategy checks the fields every provider needs.
type BasicStrategy struct {
	Method string
}

// MethodType returns the payment method this strategy handles.
func (s BasicStrategy) MethodType() string { return s.Method }

// Validate rejects requests that no provider could charge.
func (s BasicStrategy) Validate(req payment.Request) error {
	if req.Amount <= 0 {
		return payment.NewError(payment.CodeInvalidRequest, "amount must be positive")
	}
	if req.Currency == "" {
		return payment.NewError(payment.CodeInvalidRequest, "currency is required")
	}
	if req.Method.Type != s.Method {
		return payment.NewError(payment.CodeInvalidRequest, "payment method "+req.Method.Type+" does not match strategy "+s.Method)
	}
	return nil
}
