// Package fallback decides whether, when and with which provider a failed
// payment attempt is retried.
//
// An Orchestrator owns the fallback state of one checkout session. Failures
// come in through ReportFailure and NotifyFailure; customer answers come in
// through RespondToFallback. Depending on the configured mode it either
// offers the customer a choice (manual) or schedules the retry itself after a
// delay (auto). Decisions are published on hookz streams; handlers registered
// with the On* methods run asynchronously.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/checkout-fallback/internal/payment"
	"github.com/yourorg/checkout-fallback/internal/policy"
)

// Router selects alternative providers for a failed attempt.
type Router interface {
	Alternatives(failedProvider string, exclude []string, methodType string) []string
}

// PolicyEnforcer can veto a fallback or force the manual path.
type PolicyEnforcer interface {
	Evaluate(f policy.Facts) (policy.Decision, string, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for both timers.
func WithClock(c clockz.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPolicy adds rule-based vetoes.
func WithPolicy(p PolicyEnforcer) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithHookOptions tunes the worker pools behind the event streams.
func WithHookOptions(opts ...hookz.Option) Option {
	return func(o *Orchestrator) { o.hookOpts = append(o.hookOpts, opts...) }
}

// Orchestrator is the fallback state machine of one checkout session.
type Orchestrator struct {
	cfg    Config
	router Router
	policy PolicyEnforcer
	clock  clockz.Clock
	logger *slog.Logger
	tracer trace.Tracer

	hookOpts []hookz.Option

	mu        sync.Mutex
	state     State
	stopTimer func()
	timerSeq  uint64
	closed    bool

	available    *hookz.Hooks[AvailableEvent]
	responses    *hookz.Hooks[UserResponse]
	executes     *hookz.Hooks[ExecuteEvent]
	autoStarted  *hookz.Hooks[AutoStartedEvent]
	stateChanges *hookz.Hooks[State]
}

// New creates an idle Orchestrator.
func New(cfg Config, router Router, opts ...Option) *Orchestrator {
	if router == nil {
		panic("router cannot be nil")
	}
	o := &Orchestrator{
		cfg:    cfg,
		router: router,
		clock:  clockz.RealClock,
		logger: slog.Default(),
		tracer: otel.Tracer("fallback"),
		state:  initialState(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.available = hookz.New[AvailableEvent](o.hookOpts...)
	o.responses = hookz.New[UserResponse](o.hookOpts...)
	o.executes = hookz.New[ExecuteEvent](o.hookOpts...)
	o.autoStarted = hookz.New[AutoStartedEvent](o.hookOpts...)
	o.stateChanges = hookz.New[State](o.hookOpts...)
	if cfg.Mode == ModeAuto && cfg.MaxAutoFallbacks > cfg.MaxAttempts {
		o.logger.Warn("fallback_auto_budget_exceeds_attempts",
			"max_auto_fallbacks", cfg.MaxAutoFallbacks, "max_attempts", cfg.MaxAttempts)
	}
	return o
}

// Config returns the configuration the Orchestrator was built with.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// GetSnapshot returns a copy of the current state.
func (o *Orchestrator) GetSnapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// ReportFailure records a failed attempt and arranges a fallback if one is
// allowed. It returns true when the fallback took over, in which case the
// caller must not surface the error.
func (o *Orchestrator) ReportFailure(ctx context.Context, failedProvider string, err error, req payment.Request, wasAutoFallback bool) bool {
	pe := payment.Normalize(err)
	if pe == nil {
		pe = payment.NewError(payment.CodeUnknown, "failure reported without an error")
	}
	ctx, span := o.tracer.Start(ctx, "fallback.reportFailure", trace.WithAttributes(
		attribute.String("payment.provider", failedProvider),
		attribute.String("payment.error_code", string(pe.Code)),
		attribute.Bool("fallback.was_auto", wasAutoFallback),
	))
	defer span.End()

	handled, outcome := o.reportFailure(ctx, failedProvider, pe, req, wasAutoFallback)
	failuresReportedTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("fallback.outcome", outcome))
	return handled
}

func (o *Orchestrator) reportFailure(ctx context.Context, failedProvider string, pe *payment.PaymentError, req payment.Request, wasAutoFallback bool) (bool, string) {
	if !o.cfg.Enabled {
		return false, outcomeDisabled
	}
	if !o.cfg.Triggers(pe.Code) {
		o.logger.Debug("fallback_not_eligible", "provider", failedProvider, "code", pe.Code)
		return false, outcomeNotEligible
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, outcomeDisabled
	}
	if len(o.state.FailedAttempts) >= o.cfg.MaxAttempts {
		o.logger.Info("fallback_attempts_exhausted", "provider", failedProvider, "attempts", len(o.state.FailedAttempts))
		o.resetLocked()
		snap := o.state.clone()
		o.mu.Unlock()
		o.emitState(ctx, snap)
		return false, outcomeBudgetExhausted
	}

	alternatives := o.router.Alternatives(failedProvider, failedProviders(o.state.FailedAttempts), req.Method.Type)
	if len(alternatives) == 0 {
		o.mu.Unlock()
		o.logger.Info("fallback_no_alternatives", "provider", failedProvider, "method", req.Method.Type)
		return false, outcomeNoAlternatives
	}

	decision := o.evaluatePolicy(failedProvider, pe, req, wasAutoFallback)
	if decision.SkipFallback {
		o.mu.Unlock()
		return false, outcomePolicySkipped
	}

	now := o.clock.Now()
	o.state.FailedAttempts = append(o.state.FailedAttempts, FailedAttempt{
		Provider:        failedProvider,
		Error:           pe,
		Timestamp:       now,
		WasAutoFallback: wasAutoFallback,
	})

	if o.cfg.Mode == ModeAuto && !decision.ForceManual && autoFallbackCount(o.state.FailedAttempts) < o.cfg.MaxAutoFallbacks {
		next := alternatives[0]
		o.disarmLocked()
		o.state.Status = StatusAutoExecuting
		o.state.CurrentProvider = next
		o.state.IsAutoFallback = true
		o.state.PendingEvent = nil
		seq := o.timerSeq
		o.stopTimer = o.after(o.cfg.AutoFallbackDelay, func() { o.fireAutoFallback(seq, req, next) })
		snap := o.state.clone()
		o.mu.Unlock()

		o.logger.Info("fallback_auto_scheduled", "failed_provider", failedProvider, "provider", next, "delay", o.cfg.AutoFallbackDelay)
		o.dropped(EventAutoFallbackStarted, o.autoStarted.Emit(ctx, EventAutoFallbackStarted, AutoStartedEvent{
			FailedProvider: failedProvider,
			Provider:       next,
			Delay:          o.cfg.AutoFallbackDelay,
		}))
		o.emitState(ctx, snap)
		return true, outcomeAuto
	}

	evt := AvailableEvent{
		EventID:              o.newEventID(now),
		FailedProvider:       failedProvider,
		Error:                pe,
		AlternativeProviders: alternatives,
		OriginalRequest:      req,
		Timestamp:            now,
	}
	o.disarmLocked()
	o.state.Status = StatusPending
	o.state.PendingEvent = &evt
	o.state.CurrentProvider = ""
	o.state.IsAutoFallback = false
	eventID := evt.EventID
	o.stopTimer = o.after(o.cfg.UserResponseTimeout, func() { o.fireResponseTimeout(eventID) })
	snap := o.state.clone()
	o.mu.Unlock()

	o.logger.Info("fallback_pending", "event_id", eventID, "failed_provider", failedProvider, "alternatives", alternatives)
	o.dropped(EventFallbackAvailable, o.available.Emit(ctx, EventFallbackAvailable, *snap.PendingEvent))
	o.emitState(ctx, snap)
	return true, outcomeManual
}

// evaluatePolicy runs with mu held. Evaluation errors count as no decision.
func (o *Orchestrator) evaluatePolicy(failedProvider string, pe *payment.PaymentError, req payment.Request, wasAutoFallback bool) policy.Decision {
	if o.policy == nil {
		return policy.Decision{}
	}
	auto := autoFallbackCount(o.state.FailedAttempts)
	if wasAutoFallback {
		auto++
	}
	decision, ruleID, err := o.policy.Evaluate(policy.Facts{
		FailedProvider: failedProvider,
		ErrorCode:      string(pe.Code),
		Attempt:        len(o.state.FailedAttempts) + 1,
		AutoFallbacks:  auto,
		Amount:         req.Amount,
		Currency:       req.Currency,
		MethodType:     req.Method.Type,
		Mode:           string(o.cfg.Mode),
	})
	if err != nil {
		o.logger.Warn("fallback_policy_error", "provider", failedProvider, "error", err)
		return policy.Decision{}
	}
	if ruleID != "" {
		o.logger.Info("fallback_policy_matched", "rule", ruleID, "skip_fallback", decision.SkipFallback, "force_manual", decision.ForceManual)
	}
	return decision
}

func (o *Orchestrator) fireAutoFallback(seq uint64, req payment.Request, provider string) {
	o.mu.Lock()
	if o.closed || o.timerSeq != seq || o.state.Status != StatusAutoExecuting {
		o.mu.Unlock()
		o.logger.Debug("fallback_auto_timer_stale", "provider", provider)
		return
	}
	o.stopTimer = nil
	o.mu.Unlock()

	executionsTotal.WithLabelValues(string(ModeAuto)).Inc()
	o.logger.Info("fallback_execute", "provider", provider, "auto", true)
	o.execute(context.Background(), ExecuteEvent{Request: req, Provider: provider, IsAutoFallback: true})
}

func (o *Orchestrator) fireResponseTimeout(eventID string) {
	o.mu.Lock()
	matches := !o.closed && o.state.PendingEvent != nil && o.state.PendingEvent.EventID == eventID
	o.mu.Unlock()
	if !matches {
		return
	}
	responseTimeoutsTotal.Inc()
	o.logger.Info("fallback_response_timeout", "event_id", eventID)
	o.respond(context.Background(), UserResponse{EventID: eventID, Accepted: false, TimedOut: true})
}

// RespondToFallback applies the customer's answer to the pending event. A
// response whose EventID does not match the pending event is dropped with a
// warning and false is returned.
func (o *Orchestrator) RespondToFallback(ctx context.Context, resp UserResponse) bool {
	return o.respond(ctx, resp)
}

func (o *Orchestrator) respond(ctx context.Context, resp UserResponse) bool {
	o.mu.Lock()
	if o.closed || o.state.PendingEvent == nil || o.state.PendingEvent.EventID != resp.EventID {
		o.mu.Unlock()
		staleResponsesTotal.Inc()
		o.logger.Warn("fallback_response_stale", "event_id", resp.EventID)
		return false
	}
	o.disarmLocked()
	pending := *o.state.PendingEvent
	o.state.PendingEvent = nil

	var exec *ExecuteEvent
	if resp.Accepted && resp.SelectedProvider != "" {
		o.state.Status = StatusExecuting
		o.state.CurrentProvider = resp.SelectedProvider
		o.state.IsAutoFallback = false
		exec = &ExecuteEvent{Request: pending.OriginalRequest, Provider: resp.SelectedProvider}
	} else {
		o.state.Status = StatusCancelled
	}
	snap := o.state.clone()
	o.mu.Unlock()

	o.dropped(EventUserResponse, o.responses.Emit(ctx, EventUserResponse, resp))
	o.emitState(ctx, snap)
	if exec != nil {
		executionsTotal.WithLabelValues(string(ModeManual)).Inc()
		o.logger.Info("fallback_execute", "event_id", resp.EventID, "provider", exec.Provider, "auto", false)
		o.execute(ctx, *exec)
	} else {
		o.logger.Info("fallback_declined", "event_id", resp.EventID, "timed_out", resp.TimedOut)
	}
	return true
}

// NotifySuccess marks the fallback flow as completed.
func (o *Orchestrator) NotifySuccess(ctx context.Context) {
	o.mu.Lock()
	o.state.Status = StatusCompleted
	o.state.CurrentProvider = ""
	snap := o.state.clone()
	o.mu.Unlock()
	o.emitState(ctx, snap)
}

// NotifyFailure marks the current fallback as failed. When the original
// request is known the failure is immediately reported again so that the
// next alternative can be tried; the result of that report is returned.
func (o *Orchestrator) NotifyFailure(ctx context.Context, provider string, err error, originalRequest *payment.Request) bool {
	o.mu.Lock()
	wasAuto := o.state.IsAutoFallback
	o.state.Status = StatusFailed
	o.state.CurrentProvider = ""
	snap := o.state.clone()
	o.mu.Unlock()
	o.emitState(ctx, snap)

	if originalRequest == nil {
		return false
	}
	return o.ReportFailure(ctx, provider, err, *originalRequest, wasAuto)
}

// Reset cancels any armed timer and restores the idle state.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.mu.Lock()
	o.resetLocked()
	snap := o.state.clone()
	o.mu.Unlock()
	o.emitState(ctx, snap)
}

func (o *Orchestrator) resetLocked() {
	o.disarmLocked()
	o.state = initialState()
}

// Close disarms timers and shuts down the event streams.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.disarmLocked()
	o.mu.Unlock()

	o.available.Close()
	o.responses.Close()
	o.executes.Close()
	o.autoStarted.Close()
	o.stateChanges.Close()
	return nil
}

// OnFallbackAvailable registers a handler for manual fallback offers.
func (o *Orchestrator) OnFallbackAvailable(handler func(context.Context, AvailableEvent) error) error {
	_, err := o.available.Hook(EventFallbackAvailable, handler)
	return err
}

// OnUserResponse registers a handler for applied responses, including timeouts.
func (o *Orchestrator) OnUserResponse(handler func(context.Context, UserResponse) error) error {
	_, err := o.responses.Hook(EventUserResponse, handler)
	return err
}

// OnFallbackExecute registers a handler for execute decisions.
func (o *Orchestrator) OnFallbackExecute(handler func(context.Context, ExecuteEvent) error) error {
	_, err := o.executes.Hook(EventFallbackExecute, handler)
	return err
}

// OnAutoFallbackStarted registers a handler for scheduled automatic fallbacks.
func (o *Orchestrator) OnAutoFallbackStarted(handler func(context.Context, AutoStartedEvent) error) error {
	_, err := o.autoStarted.Hook(EventAutoFallbackStarted, handler)
	return err
}

// OnStateChange registers a handler that receives a copy of the state after
// every change.
func (o *Orchestrator) OnStateChange(handler func(context.Context, State) error) error {
	_, err := o.stateChanges.Hook(EventStateChanged, handler)
	return err
}

func (o *Orchestrator) emitState(ctx context.Context, snap State) {
	o.dropped(EventStateChanged, o.stateChanges.Emit(ctx, EventStateChanged, snap))
}

// execute publishes evt. If the stream rejects it nobody will launch the
// attempt, so the fallback is cancelled instead of staying executing.
func (o *Orchestrator) execute(ctx context.Context, evt ExecuteEvent) {
	err := o.executes.Emit(ctx, EventFallbackExecute, evt)
	if err == nil {
		return
	}
	o.logger.Warn("fallback_execute_dropped", "provider", evt.Provider, "auto", evt.IsAutoFallback, "error", err)
	o.mu.Lock()
	running := o.state.Status == StatusExecuting || o.state.Status == StatusAutoExecuting
	if o.closed || !running || o.state.CurrentProvider != evt.Provider {
		o.mu.Unlock()
		return
	}
	o.state.Status = StatusCancelled
	o.state.CurrentProvider = ""
	snap := o.state.clone()
	o.mu.Unlock()
	o.emitState(ctx, snap)
}

func (o *Orchestrator) dropped(key hookz.Key, err error) {
	if err != nil {
		o.logger.Warn("fallback_event_dropped", "event", string(key), "error", err)
	}
}

func (o *Orchestrator) newEventID(now time.Time) string {
	return fmt.Sprintf("fb_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// after arms a timer and returns its stop function. Runs with mu held.
func (o *Orchestrator) after(d time.Duration, fn func()) func() {
	fire := o.clock.After(d)
	stop := make(chan struct{})
	go func() {
		select {
		case <-fire:
			fn()
		case <-stop:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// disarmLocked stops the armed timer, if any, and invalidates its sequence.
func (o *Orchestrator) disarmLocked() {
	o.timerSeq++
	if o.stopTimer != nil {
		o.stopTimer()
		o.stopTimer = nil
	}
}
