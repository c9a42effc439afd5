package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/checkout-fallback/internal/adapter"
	"github.com/yourorg/checkout-fallback/internal/payment"
	"github.com/yourorg/checkout-fallback/internal/registry"
)

// Processor is an adapter.Gateway that resolves the provider's own gateway
// through the registry for every call. Start also validates the request with
// the provider's strategy for the payment method. All failures come back as
// normalized *payment.PaymentError values.
type Processor struct {
	registry registry.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProcessor creates a Processor. A zero timeout leaves call deadlines to the caller.
func NewProcessor(reg registry.Registry, timeout time.Duration, logger *slog.Logger) *Processor {
	if reg == nil {
		panic("provider registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{registry: reg, timeout: timeout, logger: logger}
}

func (p *Processor) gateway(providerID string) (adapter.Factory, adapter.Gateway, error) {
	f, err := p.registry.Get(providerID)
	if err != nil {
		if errors.Is(err, registry.ErrProviderNotFound) {
			pe := payment.NewError(payment.CodeInvalidRequest, fmt.Sprintf("unknown provider %s", providerID))
			pe.Raw = err
			return nil, nil, pe
		}
		return nil, nil, payment.Normalize(err)
	}
	gw := f.Gateway()
	if gw == nil {
		return nil, nil, payment.NewError(payment.CodeProviderUnavailable, fmt.Sprintf("provider %s has no gateway", providerID))
	}
	return f, gw, nil
}

func (p *Processor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Processor) finish(providerID, op string, in *payment.Intent, err error) (*payment.Intent, error) {
	if err != nil {
		pe := payment.Normalize(err)
		p.logger.Warn("gateway_call_failed", "provider", providerID, "operation", op, "code", pe.Code, "message", pe.Message)
		return nil, pe
	}
	if in == nil {
		return nil, payment.NewError(payment.CodeProviderError, fmt.Sprintf("provider %s returned no intent for %s", providerID, op))
	}
	p.logger.Debug("gateway_call_succeeded", "provider", providerID, "operation", op, "intent_id", in.ID, "status", in.Status)
	return in, nil
}

// Start implements adapter.Gateway.
func (p *Processor) Start(ctx context.Context, providerID string, req payment.Request, flow payment.FlowContext) (*payment.Intent, error) {
	f, gw, err := p.gateway(providerID)
	if err != nil {
		return p.finish(providerID, "start", nil, err)
	}
	if !f.SupportsMethod(req.Method.Type) {
		return p.finish(providerID, "start", nil, payment.NewError(payment.CodeInvalidRequest,
			fmt.Sprintf("provider %s does not support %s", providerID, req.Method.Type)))
	}
	strategy, err := f.CreateStrategy(req.Method.Type)
	if err != nil {
		return p.finish(providerID, "start", nil, err)
	}
	if err := strategy.Validate(req); err != nil {
		return p.finish(providerID, "start", nil, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	in, err := gw.Start(ctx, providerID, req, flow)
	return p.finish(providerID, "start", in, err)
}

// Confirm implements adapter.Gateway.
func (p *Processor) Confirm(ctx context.Context, providerID, intentID, returnURL string) (*payment.Intent, error) {
	_, gw, err := p.gateway(providerID)
	if err != nil {
		return p.finish(providerID, "confirm", nil, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	in, err := gw.Confirm(ctx, providerID, intentID, returnURL)
	return p.finish(providerID, "confirm", in, err)
}

// Cancel implements adapter.Gateway.
func (p *Processor) Cancel(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
	_, gw, err := p.gateway(providerID)
	if err != nil {
		return p.finish(providerID, "cancel", nil, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	in, err := gw.Cancel(ctx, providerID, intentID)
	return p.finish(providerID, "cancel", in, err)
}

// Status implements adapter.Gateway.
func (p *Processor) Status(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
	_, gw, err := p.gateway(providerID)
	if err != nil {
		return p.finish(providerID, "status", nil, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	in, err := gw.Status(ctx, providerID, intentID)
	return p.finish(providerID, "status", in, err)
}
