package mock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-fallback/internal/adapter"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

var _ adapter.Gateway = (*MockGateway)(nil)
var _ adapter.Factory = (*MockFactory)(nil)

func testRequest() payment.Request {
	return payment.Request{Amount: 1500, Currency: "EUR", Method: payment.PaymentMethod{Type: payment.MethodCard}}
}

func TestMockGateway_DefaultLifecycle(t *testing.T) {
	gw := NewMockGateway("mock-a")
	ctx := context.Background()

	in, err := gw.Start(ctx, "mock-a", testRequest(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(in.ID, "pi_mock_"))
	assert.Equal(t, payment.StatusSucceeded, in.Status)
	assert.Equal(t, int64(1500), in.Amount)
	assert.Equal(t, "mock-a", in.Provider)

	got, err := gw.Status(ctx, "mock-a", in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)

	canceled, err := gw.Cancel(ctx, "mock-a", in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCanceled, canceled.Status)
	assert.Equal(t, payment.StatusSucceeded, in.Status, "earlier intent values are not mutated")

	assert.Equal(t, 1, gw.Calls("start"))
	assert.Equal(t, 1, gw.Calls("status"))
	assert.Equal(t, 1, gw.Calls("cancel"))
}

func TestMockGateway_RequiresAction(t *testing.T) {
	gw := NewMockGateway("mock-a")
	gw.StartStatus = payment.StatusRequiresAction

	in, err := gw.Start(context.Background(), "mock-a", testRequest(), nil)
	require.NoError(t, err)
	require.NotNil(t, in.NextAction)
	assert.True(t, payment.NeedsUserAction(in))

	confirmed, err := gw.Confirm(context.Background(), "mock-a", in.ID, "https://shop.example/return")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, confirmed.Status)
	assert.Nil(t, confirmed.NextAction)
}

func TestMockGateway_FailWithAndFuncs(t *testing.T) {
	gw := NewMockGateway("mock-a")
	gw.FailWith = payment.NewError(payment.CodeProviderError, "down")
	_, err := gw.Start(context.Background(), "mock-a", testRequest(), nil)
	var pe *payment.PaymentError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, payment.CodeProviderError, pe.Code)

	gw.StatusFunc = func(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
		return &payment.Intent{ID: intentID, Status: payment.StatusProcessing}, nil
	}
	in, err := gw.Status(context.Background(), "mock-a", "pi_x")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusProcessing, in.Status)
}

func TestMockGateway_UnknownIntent(t *testing.T) {
	gw := NewMockGateway("mock-a")
	_, err := gw.Status(context.Background(), "mock-a", "missing")
	require.Error(t, err)
	assert.Equal(t, payment.CodeInvalidRequest, payment.Normalize(err).Code)
}

func TestMockFactory(t *testing.T) {
	gw := NewMockGateway("mock-a")
	f := NewMockFactory(gw, payment.MethodCard)

	assert.True(t, f.SupportsMethod(payment.MethodCard))
	assert.False(t, f.SupportsMethod(payment.MethodWallet))
	assert.Same(t, gw, f.Gateway())

	s, err := f.CreateStrategy(payment.MethodCard)
	require.NoError(t, err)
	assert.Equal(t, payment.MethodCard, s.MethodType())
	assert.NoError(t, s.Validate(testRequest()))

	bad := testRequest()
	bad.Amount = 0
	assert.Error(t, s.Validate(bad))

	_, err = f.CreateStrategy(payment.MethodWallet)
	assert.Error(t, err)
}
