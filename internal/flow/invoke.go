package flow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/checkout-fallback/internal/payment"
)

// invoke starts the gateway call for op on its own goroutine. It runs with
// mu held and captures everything the call needs up front.
func (m *Machine) invoke(op operation) {
	if m.cancelInvoke != nil {
		m.cancelInvoke()
	}
	ctx, cancel := context.WithCancel(m.base)
	m.cancelInvoke = cancel

	gen := m.gen
	providerID := m.fctx.ProviderID
	flowCtx := m.fctx.FlowContext
	var req payment.Request
	if m.fctx.Request != nil {
		req = *m.fctx.Request
	}
	var intentID string
	if m.fctx.Intent != nil {
		intentID = m.fctx.Intent.ID
	}
	returnURL := m.returnURL
	if returnURL == "" {
		returnURL = req.ReturnURL
	}

	go func() {
		ctx, span := m.tracer.Start(ctx, "flow."+string(op), trace.WithAttributes(
			attribute.String("payment.provider", providerID),
			attribute.String("payment.intent_id", intentID),
		))
		started := m.clock.Now()

		var (
			in  *payment.Intent
			err error
		)
		switch op {
		case opStart:
			in, err = m.gateway.Start(ctx, providerID, req, flowCtx)
		case opConfirm:
			in, err = m.gateway.Confirm(ctx, providerID, intentID, returnURL)
		case opCancel:
			in, err = m.gateway.Cancel(ctx, providerID, intentID)
		case opStatus:
			in, err = m.gateway.Status(ctx, providerID, intentID)
		}
		if err == nil && in == nil {
			err = payment.NewError(payment.CodeProviderError, "gateway returned no intent")
		}

		gatewayCallDuration.WithLabelValues(string(op)).Observe(m.clock.Since(started).Seconds())
		if err != nil {
			pe := payment.Normalize(err)
			gatewayCallsTotal.WithLabelValues(string(op), string(pe.Code)).Inc()
			span.RecordError(pe)
			span.SetStatus(codes.Error, string(pe.Code))
			span.End()
			m.logger.Info("flow_invoke_failed", "operation", op, "provider", providerID, "code", pe.Code, "message", pe.Message)
			m.dispatch(invokeFailed{op: op, gen: gen, err: pe})
			return
		}
		gatewayCallsTotal.WithLabelValues(string(op), "ok").Inc()
		span.SetAttributes(attribute.String("payment.status", string(in.Status)))
		span.End()
		m.dispatch(invokeDone{op: op, gen: gen, intent: in})
	}()
}
