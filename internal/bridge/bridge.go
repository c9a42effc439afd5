// Package bridge couples a payment flow machine to a fallback orchestrator.
//
// The Bridge watches machine snapshots, projects them into a View for the
// UI, records every intent it sees and hands failures to the orchestrator.
// When the orchestrator decides to execute a fallback, the Bridge restarts
// the machine with the chosen provider.
package bridge

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"

	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

// EventViewChanged is the key of the view stream.
const EventViewChanged = hookz.Key("bridge.view_changed")

// ViewStatus is the UI-facing classification of the flow.
type ViewStatus string

const (
	ViewIdle    ViewStatus = "idle"
	ViewLoading ViewStatus = "loading"
	ViewReady   ViewStatus = "ready"
	ViewError   ViewStatus = "error"
)

// View is what the UI renders. Silent marks a failure the fallback
// orchestrator took over; Error is nil in that case.
type View struct {
	Status   ViewStatus            `json:"status"`
	Silent   bool                  `json:"silent,omitempty"`
	State    flow.State            `json:"state"`
	Provider string                `json:"provider,omitempty"`
	Intent   *payment.Intent       `json:"intent,omitempty"`
	Error    *payment.PaymentError `json:"error,omitempty"`
}

// Machine is the part of flow.Machine the Bridge drives.
type Machine interface {
	Send(ev flow.Event) bool
	Snapshot() flow.Snapshot
	Subscribe(fn func(flow.Snapshot)) func()
}

// Orchestrator is the part of fallback.Orchestrator the Bridge drives.
type Orchestrator interface {
	ReportFailure(ctx context.Context, failedProvider string, err error, req payment.Request, wasAutoFallback bool) bool
	NotifyFailure(ctx context.Context, provider string, err error, originalRequest *payment.Request) bool
	NotifySuccess(ctx context.Context)
	Reset(ctx context.Context)
	GetSnapshot() fallback.State
	OnFallbackExecute(handler func(context.Context, fallback.ExecuteEvent) error) error
	OnUserResponse(handler func(context.Context, fallback.UserResponse) error) error
}

// Recorder receives per-provider outcomes, typically a circuit breaker.
type Recorder interface {
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithClock sets the clock used for history timestamps.
func WithClock(c clockz.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithRecorder reports provider outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// Bridge connects one Machine to one Orchestrator.
type Bridge struct {
	machine  Machine
	orch     Orchestrator
	recorder Recorder
	logger   *slog.Logger
	clock    clockz.Clock
	history  *History
	views    *hookz.Hooks[View]

	mu           sync.Mutex
	view         View
	lastIntentID string
	lastStatus   payment.IntentStatus
	flowCtx      payment.FlowContext
	attemptAuto  bool
	fallbackRun  bool
	unsubscribe  func()
	closed       bool
}

// New wires machine and orch together. Both are required.
func New(machine Machine, orch Orchestrator, opts ...Option) (*Bridge, error) {
	if machine == nil {
		panic("flow machine cannot be nil")
	}
	if orch == nil {
		panic("fallback orchestrator cannot be nil")
	}
	b := &Bridge{
		machine: machine,
		orch:    orch,
		logger:  slog.Default(),
		clock:   clockz.RealClock,
		history: NewHistory(),
		views:   hookz.New[View](),
		view:    View{Status: ViewIdle, State: flow.Idle},
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := orch.OnFallbackExecute(b.onExecute); err != nil {
		return nil, err
	}
	if err := orch.OnUserResponse(b.onResponse); err != nil {
		return nil, err
	}
	b.unsubscribe = machine.Subscribe(b.onSnapshot)
	return b, nil
}

// Start launches a customer-initiated attempt with provider. It reports
// whether the machine accepted the START event.
func (b *Bridge) Start(providerID string, req payment.Request, flowCtx payment.FlowContext) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.flowCtx = maps.Clone(flowCtx)
	b.attemptAuto = false
	b.fallbackRun = false
	b.mu.Unlock()
	return b.launch(providerID, req, flowCtx)
}

// Reset returns both the machine and the orchestrator to idle. While an
// attempt is still running the machine refuses RESET; Reset then leaves the
// orchestrator alone and returns false.
func (b *Bridge) Reset(ctx context.Context) bool {
	if !b.machine.Send(flow.Reset{}) && b.machine.Snapshot().Value != flow.Idle {
		b.logger.Info("bridge_reset_rejected", "state", b.machine.Snapshot().Value)
		return false
	}
	b.orch.Reset(ctx)
	b.mu.Lock()
	b.attemptAuto = false
	b.fallbackRun = false
	b.mu.Unlock()
	return true
}

// View returns the current projection.
func (b *Bridge) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// History returns the intents seen so far.
func (b *Bridge) History() []Entry {
	return b.history.Entries()
}

// OnView registers a handler for projection changes.
func (b *Bridge) OnView(handler func(context.Context, View) error) error {
	_, err := b.views.Hook(EventViewChanged, handler)
	return err
}

// Close stops observing the machine and shuts down the view stream.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	b.views.Close()
}

func (b *Bridge) launch(providerID string, req payment.Request, flowCtx payment.FlowContext) bool {
	switch b.machine.Snapshot().Value {
	case flow.Failed, flow.Done:
		b.machine.Send(flow.Reset{})
	}
	return b.machine.Send(flow.Start{ProviderID: providerID, Request: req, FlowContext: flowCtx})
}

// onExecute runs on the orchestrator's hook goroutine.
func (b *Bridge) onExecute(_ context.Context, evt fallback.ExecuteEvent) error {
	st := b.orch.GetSnapshot()
	if st.Status != fallback.StatusExecuting && st.Status != fallback.StatusAutoExecuting {
		b.logger.Debug("bridge_execute_ignored", "provider", evt.Provider, "status", st.Status)
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.attemptAuto = st.IsAutoFallback
	b.fallbackRun = true
	flowCtx := b.flowCtx
	b.mu.Unlock()

	if !b.launch(evt.Provider, evt.Request, flowCtx) {
		b.logger.Warn("bridge_execute_rejected", "provider", evt.Provider, "state", b.machine.Snapshot().Value)
		return nil
	}
	b.logger.Info("bridge_fallback_started", "provider", evt.Provider, "auto", st.IsAutoFallback)
	return nil
}

// onResponse runs on the orchestrator's hook goroutine. An offer that was
// declined or timed out arranges nothing, so the failure surfaces again.
func (b *Bridge) onResponse(ctx context.Context, resp fallback.UserResponse) error {
	if resp.Accepted && resp.SelectedProvider != "" && !resp.TimedOut {
		return nil
	}
	snap := b.machine.Snapshot()
	if snap.Value != flow.Failed || snap.Context.Error == nil {
		return nil
	}
	next := View{
		Status:   ViewError,
		State:    snap.Value,
		Provider: snap.Context.ProviderID,
		Error:    snap.Context.Error,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.view = next
	b.mu.Unlock()
	b.logger.Info("bridge_fallback_declined", "event_id", resp.EventID, "timed_out", resp.TimedOut, "code", next.Error.Code)
	b.publish(ctx, next)
	return nil
}

// onSnapshot runs synchronously inside the machine's notification. It must
// not send events to the machine.
func (b *Bridge) onSnapshot(snap flow.Snapshot) {
	ctx := context.Background()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	prev := b.view
	auto := b.attemptAuto
	b.mu.Unlock()

	in := snap.Context.Intent
	if in != nil {
		b.observeIntent(ctx, snap, in, auto)
	}

	next := View{State: snap.Value, Provider: snap.Context.ProviderID, Intent: in}
	switch {
	case snap.HasTag(flow.TagError) && snap.Context.Error != nil:
		// A fallback declined before this point leaves the orchestrator cancelled.
		if b.handleFailure(ctx, snap, auto) && b.orch.GetSnapshot().Status != fallback.StatusCancelled {
			next.Status = ViewReady
			next.Silent = true
		} else {
			next.Status = ViewError
			next.Error = snap.Context.Error
		}
	case snap.HasTag(flow.TagLoading):
		if snap.Value == flow.FetchingStatus && prev.Intent != nil && prev.Intent.Status == payment.StatusSucceeded {
			return
		}
		next.Status = ViewLoading
	case snap.HasTag(flow.TagReady):
		next.Status = ViewReady
	default:
		next.Status = ViewIdle
	}

	b.mu.Lock()
	b.view = next
	b.mu.Unlock()
	b.publish(ctx, next)
}

func (b *Bridge) publish(ctx context.Context, v View) {
	if err := b.views.Emit(ctx, EventViewChanged, v); err != nil {
		b.logger.Warn("bridge_view_dropped", "state", v.State, "error", err)
	}
}

// observeIntent records in and reports a success once per intent.
func (b *Bridge) observeIntent(ctx context.Context, snap flow.Snapshot, in *payment.Intent, auto bool) {
	b.mu.Lock()
	changed := in.ID != b.lastIntentID || in.Status != b.lastStatus
	b.lastIntentID = in.ID
	b.lastStatus = in.Status
	fallbackRun := b.fallbackRun
	b.mu.Unlock()
	if !changed {
		return
	}

	now := b.clock.Now()
	e := Entry{
		IntentID:        in.ID,
		Provider:        snap.Context.ProviderID,
		Status:          in.Status,
		Amount:          in.Amount,
		Currency:        in.Currency,
		Fallback:        fallbackRun,
		WasAutoFallback: fallbackRun && auto,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req := snap.Context.Request; req != nil {
		e.MethodType = req.Method.Type
		if e.Amount == 0 {
			e.Amount = req.Amount
		}
		if e.Currency == "" {
			e.Currency = req.Currency
		}
	}
	if b.history.Record(e) {
		b.logger.Info("bridge_intent_recorded", "intent_id", in.ID, "provider", e.Provider, "status", in.Status)
	}

	if in.Status != payment.StatusSucceeded {
		return
	}
	if b.recorder != nil {
		b.recorder.RecordSuccess(snap.Context.ProviderID)
	}
	st := b.orch.GetSnapshot().Status
	if st == fallback.StatusExecuting || st == fallback.StatusAutoExecuting {
		b.orch.NotifySuccess(ctx)
	}
}

// handleFailure forwards a failed attempt to the orchestrator and reports
// whether it was taken over.
func (b *Bridge) handleFailure(ctx context.Context, snap flow.Snapshot, auto bool) bool {
	pe := snap.Context.Error
	provider := snap.Context.ProviderID
	if b.recorder != nil && (pe.Code == payment.CodeProviderUnavailable || pe.Code == payment.CodeProviderError) {
		b.recorder.RecordFailure(provider)
	}
	if snap.Context.Request == nil {
		return false
	}
	req := *snap.Context.Request

	var handled bool
	switch b.orch.GetSnapshot().Status {
	case fallback.StatusExecuting, fallback.StatusAutoExecuting:
		handled = b.orch.NotifyFailure(ctx, provider, pe, &req)
	default:
		handled = b.orch.ReportFailure(ctx, provider, pe, req, auto)
	}
	b.logger.Info("bridge_failure_reported", "provider", provider, "code", pe.Code, "handled", handled)
	return handled
}
