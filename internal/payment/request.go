package payment

// Method types understood by the bundled strategies.
const (
	MethodCard   = "card"
	MethodWallet = "wallet"
	MethodBank   = "bank_transfer"
)

// PaymentMethod identifies how the customer pays.
type PaymentMethod struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// Request is what the application asks a provider to charge.
type Request struct {
	ID        string            `json:"id,omitempty"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Method    PaymentMethod     `json:"method"`
	Customer  string            `json:"customer,omitempty"`
	ReturnURL string            `json:"return_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FlowContext carries caller-supplied values that travel with an attempt,
// such as locale or device data a strategy may forward to the provider.
type FlowContext map[string]string
