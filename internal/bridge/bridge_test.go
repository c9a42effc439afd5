package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/yourorg/checkout-fallback/internal/adapter/mock"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/payment"
	"github.com/yourorg/checkout-fallback/internal/processor"
	"github.com/yourorg/checkout-fallback/internal/registry"
	"github.com/yourorg/checkout-fallback/internal/router"
)

const waitTimeout = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeClock interface {
	clockz.Clock
	Advance(d time.Duration)
	BlockUntilReady()
}

type harness struct {
	clock    fakeClock
	gateways map[string]*mock.MockGateway
	machine  *flow.Machine
	orch     *fallback.Orchestrator
	bridge   *Bridge
	recorder *fakeRecorder
}

type fakeRecorder struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (r *fakeRecorder) RecordSuccess(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, p)
}

func (r *fakeRecorder) RecordFailure(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, p)
}

func (r *fakeRecorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.successes...), append([]string(nil), r.failures...)
}

func newHarness(t *testing.T, cfg fallback.Config, providers ...string) *harness {
	t.Helper()
	h := &harness{
		clock:    clockz.NewFakeClock(),
		gateways: make(map[string]*mock.MockGateway),
		recorder: &fakeRecorder{},
	}
	reg := registry.NewInMemoryRegistry()
	for _, p := range providers {
		gw := mock.NewMockGateway(p)
		h.gateways[p] = gw
		require.NoError(t, reg.Register(p, mock.NewMockFactory(gw, payment.MethodCard)))
	}

	m, err := flow.New(processor.NewProcessor(reg, 0, nil), flow.WithOptions(flow.Options{RefreshFromDone: true}), flow.WithClock(h.clock))
	require.NoError(t, err)
	h.machine = m

	h.orch = fallback.New(cfg, router.NewRouter(reg, cfg.ProviderPriority, nil, nil), fallback.WithClock(h.clock))
	h.bridge, err = New(h.machine, h.orch, WithClock(h.clock), WithRecorder(h.recorder))
	require.NoError(t, err)

	t.Cleanup(func() {
		h.bridge.Close()
		_ = h.orch.Close()
		h.machine.Close()
	})
	return h
}

func manualConfig() fallback.Config {
	return fallback.Config{
		Enabled:             true,
		MaxAttempts:         3,
		UserResponseTimeout: 30 * time.Second,
		TriggerErrorCodes:   []payment.ErrorCode{payment.CodeProviderError, payment.CodeProviderUnavailable},
		ProviderPriority:    []string{"stripe", "paypal", "adyen"},
		Mode:                fallback.ModeManual,
	}
}

func autoConfig() fallback.Config {
	cfg := manualConfig()
	cfg.Mode = fallback.ModeAuto
	cfg.MaxAutoFallbacks = 1
	cfg.AutoFallbackDelay = time.Second
	return cfg
}

func cardRequest() payment.Request {
	return payment.Request{ID: "order-9", Amount: 4200, Currency: "EUR", Method: payment.PaymentMethod{Type: payment.MethodCard, Token: "tok_visa"}}
}

func (h *harness) failing(provider string, code payment.ErrorCode) {
	h.gateways[provider].FailWith = payment.NewError(code, provider+" is down")
}

func TestNew_PanicsOnNilCollaborators(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe")
	assert.Panics(t, func() { _, _ = New(nil, h.orch) })
	assert.Panics(t, func() { _, _ = New(h.machine, nil) })
}

func TestBridge_SuccessWithoutFallback(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe", "paypal")

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.bridge.View().Status == ViewReady }, waitTimeout, tick)

	v := h.bridge.View()
	assert.Equal(t, flow.Done, v.State)
	require.NotNil(t, v.Intent)
	assert.Equal(t, payment.StatusSucceeded, v.Intent.Status)

	entries := h.bridge.History()
	require.Len(t, entries, 1)
	assert.Equal(t, "stripe", entries[0].Provider)
	assert.False(t, entries[0].Fallback)
	assert.Equal(t, payment.MethodCard, entries[0].MethodType)

	// No fallback was running, so the orchestrator stays idle.
	assert.Equal(t, fallback.StatusIdle, h.orch.GetSnapshot().Status)
	successes, _ := h.recorder.snapshot()
	assert.Equal(t, []string{"stripe"}, successes)
}

func TestBridge_ManualFallback(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe", "paypal")
	h.failing("stripe", payment.CodeProviderError)

	require.True(t, h.bridge.Start("stripe", cardRequest(), payment.FlowContext{"locale": "de"}))
	require.Eventually(t, func() bool {
		return h.orch.GetSnapshot().Status == fallback.StatusPending && h.bridge.View().Silent
	}, waitTimeout, tick)

	v := h.bridge.View()
	assert.Equal(t, ViewReady, v.Status)
	assert.True(t, v.Silent)
	assert.Nil(t, v.Error)
	assert.Equal(t, flow.Failed, v.State)

	pending := h.orch.GetSnapshot().PendingEvent
	require.NotNil(t, pending)
	assert.Equal(t, []string{"paypal"}, pending.AlternativeProviders)

	require.True(t, h.orch.RespondToFallback(context.Background(), fallback.UserResponse{
		EventID:          pending.EventID,
		Accepted:         true,
		SelectedProvider: "paypal",
	}))

	require.Eventually(t, func() bool { return h.orch.GetSnapshot().Status == fallback.StatusCompleted }, waitTimeout, tick)
	assert.Equal(t, flow.Done, h.machine.State())
	assert.Equal(t, 1, h.gateways["paypal"].Calls("start"))

	entries := h.bridge.History()
	require.Len(t, entries, 1)
	assert.Equal(t, "paypal", entries[0].Provider)
	assert.True(t, entries[0].Fallback)
	assert.False(t, entries[0].WasAutoFallback)

	_, failures := h.recorder.snapshot()
	assert.Equal(t, []string{"stripe"}, failures)
}

func TestBridge_UnansweredFallbackSurfacesError(t *testing.T) {
	tests := []struct {
		name   string
		answer func(t *testing.T, h *harness, eventID string)
	}{
		{"Declined", func(t *testing.T, h *harness, eventID string) {
			require.True(t, h.orch.RespondToFallback(context.Background(), fallback.UserResponse{EventID: eventID, Accepted: false}))
		}},
		{"TimedOut", func(t *testing.T, h *harness, _ string) {
			require.Eventually(t, func() bool {
				h.clock.Advance(30 * time.Second)
				h.clock.BlockUntilReady()
				return h.orch.GetSnapshot().Status == fallback.StatusCancelled
			}, waitTimeout, tick)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, manualConfig(), "stripe", "paypal")
			h.failing("stripe", payment.CodeProviderError)

			require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
			require.Eventually(t, func() bool {
				return h.orch.GetSnapshot().Status == fallback.StatusPending && h.bridge.View().Silent
			}, waitTimeout, tick)

			tt.answer(t, h, h.orch.GetSnapshot().PendingEvent.EventID)

			require.Eventually(t, func() bool { return h.bridge.View().Status == ViewError }, waitTimeout, tick)
			v := h.bridge.View()
			assert.False(t, v.Silent)
			assert.Equal(t, flow.Failed, v.State)
			require.NotNil(t, v.Error)
			assert.Equal(t, payment.CodeProviderError, v.Error.Code)
			assert.Equal(t, 0, h.gateways["paypal"].Calls("start"))
		})
	}
}

func TestBridge_NonTriggeringErrorSurfaces(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe", "paypal")
	h.failing("stripe", payment.CodeCardDeclined)

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.bridge.View().Status == ViewError }, waitTimeout, tick)

	v := h.bridge.View()
	assert.False(t, v.Silent)
	require.NotNil(t, v.Error)
	assert.Equal(t, payment.CodeCardDeclined, v.Error.Code)
	assert.Equal(t, fallback.StatusIdle, h.orch.GetSnapshot().Status)

	// Card declines say nothing about provider health.
	_, failures := h.recorder.snapshot()
	assert.Empty(t, failures)
}

func TestBridge_AutoFallbackThenManual(t *testing.T) {
	h := newHarness(t, autoConfig(), "stripe", "paypal", "adyen")
	h.failing("stripe", payment.CodeProviderUnavailable)
	h.failing("paypal", payment.CodeProviderError)

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool {
		return h.orch.GetSnapshot().Status == fallback.StatusAutoExecuting && h.bridge.View().Silent
	}, waitTimeout, tick)
	assert.Equal(t, "paypal", h.orch.GetSnapshot().CurrentProvider)

	// The delay elapses, paypal is tried automatically and fails too.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		h.clock.BlockUntilReady()
		return h.orch.GetSnapshot().Status == fallback.StatusPending
	}, waitTimeout, tick)

	snap := h.orch.GetSnapshot()
	require.Len(t, snap.FailedAttempts, 2)
	assert.False(t, snap.FailedAttempts[0].WasAutoFallback)
	assert.True(t, snap.FailedAttempts[1].WasAutoFallback)
	require.NotNil(t, snap.PendingEvent)
	assert.Equal(t, []string{"adyen"}, snap.PendingEvent.AlternativeProviders)
	assert.Equal(t, 1, h.gateways["paypal"].Calls("start"))
	require.Eventually(t, func() bool { return h.bridge.View().Silent }, waitTimeout, tick)
}

func TestBridge_AutoFallbackSucceeds(t *testing.T) {
	h := newHarness(t, autoConfig(), "stripe", "paypal")
	h.failing("stripe", payment.CodeProviderError)

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.orch.GetSnapshot().Status == fallback.StatusAutoExecuting }, waitTimeout, tick)

	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		h.clock.BlockUntilReady()
		return h.orch.GetSnapshot().Status == fallback.StatusCompleted
	}, waitTimeout, tick)

	entries := h.bridge.History()
	require.Len(t, entries, 1)
	assert.Equal(t, "paypal", entries[0].Provider)
	assert.True(t, entries[0].WasAutoFallback)
	require.Eventually(t, func() bool { return h.bridge.View().State == flow.Done }, waitTimeout, tick)
	assert.Equal(t, ViewReady, h.bridge.View().Status)
	assert.False(t, h.bridge.View().Silent)
}

func TestBridge_BudgetExhaustedSurfacesError(t *testing.T) {
	cfg := manualConfig()
	cfg.ProviderPriority = []string{"stripe"}
	h := newHarness(t, cfg, "stripe")
	h.failing("stripe", payment.CodeProviderError)

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.bridge.View().Status == ViewError }, waitTimeout, tick)
	assert.Equal(t, payment.CodeProviderError, h.bridge.View().Error.Code)
}

func TestBridge_RefreshFromDoneDoesNotFlicker(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe")
	views := make(chan View, 32)
	require.NoError(t, h.bridge.OnView(func(_ context.Context, v View) error {
		views <- v
		return nil
	}))

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.machine.State() == flow.Done }, waitTimeout, tick)
	require.Eventually(t, func() bool { return h.gateways["stripe"].Calls("status") == 0 && h.bridge.View().Status == ViewReady }, waitTimeout, tick)

	require.True(t, h.machine.Send(flow.Refresh{}))
	require.Eventually(t, func() bool { return h.gateways["stripe"].Calls("status") == 1 && h.machine.State() == flow.Done }, waitTimeout, tick)

	assert.Never(t, func() bool {
		select {
		case v := <-views:
			return v.State == flow.FetchingStatus
		default:
			return false
		}
	}, 100*time.Millisecond, tick)
	assert.Equal(t, ViewReady, h.bridge.View().Status)
	assert.Len(t, h.bridge.History(), 1)
}

func TestBridge_StaleExecuteIgnored(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe", "paypal")

	require.NoError(t, h.bridge.onExecute(context.Background(), fallback.ExecuteEvent{Request: cardRequest(), Provider: "paypal"}))
	assert.Equal(t, flow.Idle, h.machine.State())
	assert.Equal(t, 0, h.gateways["paypal"].Calls("start"))
}

func TestBridge_ResetClearsBoth(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe", "paypal")
	h.failing("stripe", payment.CodeProviderError)

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.orch.GetSnapshot().Status == fallback.StatusPending }, waitTimeout, tick)

	require.True(t, h.bridge.Reset(context.Background()))
	assert.Equal(t, flow.Idle, h.machine.State())
	assert.Equal(t, fallback.StatusIdle, h.orch.GetSnapshot().Status)
	require.Eventually(t, func() bool { return h.bridge.View().Status == ViewIdle }, waitTimeout, tick)
}

func TestBridge_ResetRefusedWhileAttemptRuns(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe", "paypal")
	release := make(chan struct{})
	h.gateways["stripe"].StartFunc = func(ctx context.Context, _ string, _ payment.Request, _ payment.FlowContext) (*payment.Intent, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, payment.NewError(payment.CodeProviderError, "stripe is down")
	}

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Equal(t, flow.Starting, h.machine.State())

	assert.False(t, h.bridge.Reset(context.Background()))
	assert.Equal(t, flow.Starting, h.machine.State())
	assert.Equal(t, fallback.StatusIdle, h.orch.GetSnapshot().Status)

	// The running attempt still ends up with the orchestrator.
	close(release)
	require.Eventually(t, func() bool { return h.orch.GetSnapshot().Status == fallback.StatusPending }, waitTimeout, tick)
	assert.Equal(t, flow.Failed, h.machine.State())

	require.True(t, h.bridge.Reset(context.Background()))
	assert.Equal(t, flow.Idle, h.machine.State())
	assert.Equal(t, fallback.StatusIdle, h.orch.GetSnapshot().Status)
}

func TestBridge_ResetWhenIdle(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe")
	assert.True(t, h.bridge.Reset(context.Background()))
	assert.Equal(t, flow.Idle, h.machine.State())
}

func TestBridge_StartAfterFailureResetsMachine(t *testing.T) {
	h := newHarness(t, manualConfig(), "stripe")
	h.failing("stripe", payment.CodeCardDeclined)

	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.machine.State() == flow.Failed }, waitTimeout, tick)

	h.gateways["stripe"].FailWith = nil
	require.True(t, h.bridge.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return h.machine.State() == flow.Done }, waitTimeout, tick)
}

func TestHistory_RecordDeduplicates(t *testing.T) {
	hist := NewHistory()
	now := time.Now()
	assert.True(t, hist.Record(Entry{IntentID: "pi_1", Status: payment.StatusProcessing, CreatedAt: now, UpdatedAt: now}))
	assert.False(t, hist.Record(Entry{IntentID: "pi_1", Status: payment.StatusSucceeded, UpdatedAt: now.Add(time.Second)}))
	assert.True(t, hist.Record(Entry{IntentID: "pi_2", Status: payment.StatusFailed}))

	entries := hist.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, payment.StatusSucceeded, entries[0].Status)
	assert.Equal(t, now, entries[0].CreatedAt)
	assert.Equal(t, 2, hist.Len())
}
