package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/yourorg/checkout-fallback/internal/bridge"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/payment"
	"github.com/yourorg/checkout-fallback/internal/reporting"
)

// Session is one checkout: a flow machine, its fallback orchestrator and the
// bridge between them.
type Session struct {
	ID        string
	CreatedAt time.Time

	machine  *flow.Machine
	orch     *fallback.Orchestrator
	bridge   *bridge.Bridge
	reporter *reporting.RetrospectiveReporter

	mu      sync.Mutex
	request payment.Request
}

// State is the externally visible state of a Session.
type State struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Flow      flow.Snapshot    `json:"flow"`
	Fallback  fallback.State   `json:"fallback"`
	View      bridge.View      `json:"view"`
	History   []bridge.Entry   `json:"history"`
	Request   *payment.Request `json:"request,omitempty"`
}

// Start begins a customer-initiated payment with providerID.
func (s *Session) Start(providerID string, req payment.Request, flowCtx payment.FlowContext) bool {
	s.mu.Lock()
	s.request = req
	s.mu.Unlock()
	return s.bridge.Start(providerID, req, flowCtx)
}

// Send forwards ev to the flow machine.
func (s *Session) Send(ev flow.Event) bool {
	return s.machine.Send(ev)
}

// Respond answers the pending fallback offer.
func (s *Session) Respond(ctx context.Context, resp fallback.UserResponse) bool {
	return s.orch.RespondToFallback(ctx, resp)
}

// Reset returns the machine and the orchestrator to idle. It reports false
// while a payment attempt is still in flight.
func (s *Session) Reset(ctx context.Context) bool {
	return s.bridge.Reset(ctx)
}

// State returns a consistent-enough view of the session for rendering.
func (s *Session) State() State {
	st := State{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Flow:      s.machine.Snapshot(),
		Fallback:  s.orch.GetSnapshot(),
		View:      s.bridge.View(),
		History:   s.bridge.History(),
	}
	s.mu.Lock()
	if s.request.ID != "" || s.request.Amount != 0 {
		req := s.request
		st.Request = &req
	}
	s.mu.Unlock()
	return st
}

// Report summarizes the attempts made so far.
func (s *Session) Report() (*reporting.RetrospectiveReport, error) {
	s.mu.Lock()
	req := s.request
	s.mu.Unlock()
	entries := reporting.SessionEntries(s.ID, req, s.bridge.History(), s.orch.GetSnapshot().FailedAttempts)
	return s.reporter.GenerateRetrospective(entries)
}

// Orchestrator exposes the fallback orchestrator for event subscriptions.
func (s *Session) Orchestrator() *fallback.Orchestrator {
	return s.orch
}

// Bridge exposes the bridge for view subscriptions.
func (s *Session) Bridge() *bridge.Bridge {
	return s.bridge
}

func (s *Session) close() {
	s.bridge.Close()
	_ = s.orch.Close()
	s.machine.Close()
}
