package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/yourorg/checkout-fallback/internal/adapter/mock"
	"github.com/yourorg/checkout-fallback/internal/circuitbreaker"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/payment"
	"github.com/yourorg/checkout-fallback/internal/processor"
	"github.com/yourorg/checkout-fallback/internal/registry"
	"github.com/yourorg/checkout-fallback/internal/router"
)

const waitTimeout = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestManager(t *testing.T, failing ...string) *Manager {
	t.Helper()
	reg := registry.NewInMemoryRegistry()
	for _, p := range []string{"stripe", "paypal"} {
		gw := mock.NewMockGateway(p)
		for _, f := range failing {
			if f == p {
				gw.FailWith = payment.NewError(payment.CodeProviderError, p+" outage")
			}
		}
		require.NoError(t, reg.Register(p, mock.NewMockFactory(gw, payment.MethodCard)))
	}
	clock := clockz.NewFakeClock()
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{}).WithClock(clock)
	settings := Settings{
		Fallback: fallback.Config{
			Enabled:             true,
			MaxAttempts:         3,
			UserResponseTimeout: time.Minute,
			TriggerErrorCodes:   []payment.ErrorCode{payment.CodeProviderError},
			ProviderPriority:    []string{"stripe", "paypal"},
			Mode:                fallback.ModeManual,
		},
		Flow: flow.Options{RefreshFromDone: true},
	}
	m := NewManager(
		processor.NewProcessor(reg, 0, nil),
		router.NewRouter(reg, settings.Fallback.ProviderPriority, breaker, nil),
		settings,
		WithClock(clock),
		WithRecorder(breaker),
	)
	t.Cleanup(m.CloseAll)
	return m
}

func cardRequest() payment.Request {
	return payment.Request{ID: "order-42", Amount: 990, Currency: "USD", Method: payment.PaymentMethod{Type: payment.MethodCard}}
}

func TestNewManager_PanicsOnNilCollaborators(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	assert.Panics(t, func() { NewManager(nil, router.NewRouter(reg, nil, nil, nil), Settings{}) })
	assert.Panics(t, func() { NewManager(processor.NewProcessor(reg, 0, nil), nil, Settings{}) })
}

func TestManager_CreateGetClose(t *testing.T) {
	m := newTestManager(t)
	activeBefore := testutil.ToFloat64(GetSessionsActive())
	createdBefore := testutil.ToFloat64(GetSessionsCreatedTotal())

	s, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, activeBefore+1, testutil.ToFloat64(GetSessionsActive()))
	assert.Equal(t, createdBefore+1, testutil.ToFloat64(GetSessionsCreatedTotal()))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, []string{s.ID}, m.IDs())

	require.NoError(t, m.Close(s.ID))
	assert.Equal(t, activeBefore, testutil.ToFloat64(GetSessionsActive()))

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Close(s.ID), ErrSessionNotFound)

	// A closed session rejects further events.
	assert.False(t, s.Send(flow.Refresh{}))
}

func TestSession_FallbackRoundTrip(t *testing.T) {
	m := newTestManager(t, "stripe")
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	require.True(t, s.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return s.State().Fallback.Status == fallback.StatusPending }, waitTimeout, tick)

	st := s.State()
	require.NotNil(t, st.Request)
	assert.Equal(t, "order-42", st.Request.ID)
	require.NotNil(t, st.Fallback.PendingEvent)

	require.True(t, s.Respond(context.Background(), fallback.UserResponse{
		EventID:          st.Fallback.PendingEvent.EventID,
		Accepted:         true,
		SelectedProvider: "paypal",
	}))
	require.Eventually(t, func() bool { return s.State().Fallback.Status == fallback.StatusCompleted }, waitTimeout, tick)

	st = s.State()
	assert.Equal(t, flow.Done, st.Flow.Value)
	require.Len(t, st.History, 1)
	assert.Equal(t, "paypal", st.History[0].Provider)

	report, err := s.Report()
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalAttempts)
	assert.Equal(t, 1, report.SuccessfulPayments)
	assert.Equal(t, 1, report.FailedPayments)
	assert.Equal(t, 1, report.Fallbacks)
	assert.Equal(t, map[string]int{"provider_error": 1}, report.ErrorBreakdown)
	assert.Equal(t, map[string]int64{"USD": 990}, report.AmountByCurrency)
}

func TestSession_ResetAndIdleState(t *testing.T) {
	m := newTestManager(t, "stripe")
	s, err := m.Create(context.Background())
	require.NoError(t, err)

	st := s.State()
	assert.Nil(t, st.Request)
	assert.Equal(t, flow.Idle, st.Flow.Value)
	assert.Equal(t, fallback.StatusIdle, st.Fallback.Status)

	require.True(t, s.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return s.State().Fallback.Status == fallback.StatusPending }, waitTimeout, tick)

	require.True(t, s.Reset(context.Background()))
	st = s.State()
	assert.Equal(t, flow.Idle, st.Flow.Value)
	assert.Equal(t, fallback.StatusIdle, st.Fallback.Status)
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	m := newTestManager(t, "stripe")
	a, err := m.Create(context.Background())
	require.NoError(t, err)
	b, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	require.True(t, a.Start("stripe", cardRequest(), nil))
	require.Eventually(t, func() bool { return a.State().Fallback.Status == fallback.StatusPending }, waitTimeout, tick)
	assert.Equal(t, fallback.StatusIdle, b.State().Fallback.Status)
	assert.Equal(t, flow.Idle, b.State().Flow.Value)
}
