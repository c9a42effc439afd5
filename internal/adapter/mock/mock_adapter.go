package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/checkout-fallback/internal/adapter"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

// MockGateway is an in-memory Gateway for tests and demos.
// Each operation calls its Func when set; otherwise it follows StartStatus
// and keeps the intents it created so Status can answer for them.
type MockGateway struct {
	Name        string
	StartStatus payment.IntentStatus
	FailWith    *payment.PaymentError

	StartFunc   func(ctx context.Context, providerID string, req payment.Request, flow payment.FlowContext) (*payment.Intent, error)
	ConfirmFunc func(ctx context.Context, providerID, intentID, returnURL string) (*payment.Intent, error)
	CancelFunc  func(ctx context.Context, providerID, intentID string) (*payment.Intent, error)
	StatusFunc  func(ctx context.Context, providerID, intentID string) (*payment.Intent, error)

	mu      sync.Mutex
	intents map[string]payment.Intent
	calls   map[string]int
}

// NewMockGateway creates a gateway whose intents succeed immediately.
func NewMockGateway(name string) *MockGateway {
	return &MockGateway{
		Name:        name,
		StartStatus: payment.StatusSucceeded,
		intents:     make(map[string]payment.Intent),
		calls:       make(map[string]int),
	}
}

// Calls returns how many times op ("start", "confirm", "cancel", "status") ran.
func (m *MockGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockGateway) count(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func (m *MockGateway) store(in payment.Intent) *payment.Intent {
	m.mu.Lock()
	m.intents[in.ID] = in
	m.mu.Unlock()
	return &in
}

func (m *MockGateway) lookup(intentID string) (payment.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[intentID]
	if !ok {
		return payment.Intent{}, payment.NewError(payment.CodeInvalidRequest, fmt.Sprintf("no such intent: %s", intentID))
	}
	return in, nil
}

// Start implements adapter.Gateway.
func (m *MockGateway) Start(ctx context.Context, providerID string, req payment.Request, flow payment.FlowContext) (*payment.Intent, error) {
	m.count("start")
	if m.StartFunc != nil {
		return m.StartFunc(ctx, providerID, req, flow)
	}
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	in := payment.Intent{
		ID:       "pi_mock_" + uuid.NewString(),
		Provider: providerID,
		Status:   m.StartStatus,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	if in.Status == payment.StatusRequiresAction {
		in.NextAction = &payment.NextAction{Type: "redirect_to_url", RedirectURL: "https://mock.example/3ds/" + in.ID}
		in.RedirectURL = in.NextAction.RedirectURL
	}
	return m.store(in), nil
}

// Confirm implements adapter.Gateway.
func (m *MockGateway) Confirm(ctx context.Context, providerID, intentID, returnURL string) (*payment.Intent, error) {
	m.count("confirm")
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, providerID, intentID, returnURL)
	}
	in, err := m.lookup(intentID)
	if err != nil {
		return nil, err
	}
	in.Status = payment.StatusSucceeded
	in.NextAction = nil
	in.RedirectURL = ""
	return m.store(in), nil
}

// Cancel implements adapter.Gateway.
func (m *MockGateway) Cancel(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
	m.count("cancel")
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, providerID, intentID)
	}
	in, err := m.lookup(intentID)
	if err != nil {
		return nil, err
	}
	in.Status = payment.StatusCanceled
	in.NextAction = nil
	return m.store(in), nil
}

// Status implements adapter.Gateway.
func (m *MockGateway) Status(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
	m.count("status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, providerID, intentID)
	}
	in, err := m.lookup(intentID)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// MockFactory registers a MockGateway for a fixed set of payment methods.
type MockFactory struct {
	Methods []string
	GW      adapter.Gateway
}

// NewMockFactory wraps gw for the given methods.
func NewMockFactory(gw adapter.Gateway, methods ...string) *MockFactory {
	return &MockFactory{Methods: methods, GW: gw}
}

// SupportsMethod implements adapter.Factory.
func (f *MockFactory) SupportsMethod(methodType string) bool {
	for _, m := range f.Methods {
		if m == methodType {
			return true
		}
	}
	return false
}

// CreateStrategy implements adapter.Factory.
func (f *MockFactory) CreateStrategy(methodType string) (adapter.Strategy, error) {
	if !f.SupportsMethod(methodType) {
		return nil, payment.NewError(payment.CodeInvalidRequest, "unsupported payment method: "+methodType)
	}
	return adapter.BasicStrategy{Method: methodType}, nil
}

// Gateway implements adapter.Factory.
func (f *MockFactory) Gateway() adapter.Gateway {
	return f.GW
}
