package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yourorg/checkout-fallback/internal/adapter"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

const (
	stripeAPIBaseURL     = "https://api.stripe.com/v1"
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond
)

// Config configures a Gateway.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Clock      clockz.Clock
	Retries    int
	RetryDelay time.Duration
}

// Gateway talks to the Stripe PaymentIntents API.
type Gateway struct {
	apiKey     string
	apiBaseURL string
	httpClient *http.Client
	clock      clockz.Clock
	retries    int
	retryDelay time.Duration
}

// NewGateway creates a Gateway, filling unset fields with defaults.
func NewGateway(cfg Config) *Gateway {
	g := &Gateway{
		apiKey:     cfg.APIKey,
		apiBaseURL: cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
	}
	if g.apiBaseURL == "" {
		g.apiBaseURL = stripeAPIBaseURL
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if g.clock == nil {
		g.clock = clockz.RealClock
	}
	if g.retries <= 0 {
		g.retries = defaultRetryAttempts
	}
	if g.retryDelay <= 0 {
		g.retryDelay = defaultRetryDelay
	}
	return g
}

// generateIdempotencyKey returns a key unique per logical operation.
func generateIdempotencyKey(providerID, op string) string {
	key := fmt.Sprintf("%s-%s-%s", providerID, op, uuid.NewString())
	if len(key) > 255 {
		return key[:255]
	}
	return key
}

func buildStartPayload(req payment.Request, flow payment.FlowContext) url.Values {
	payload := url.Values{}
	payload.Set("amount", strconv.FormatInt(req.Amount, 10))
	payload.Set("currency", strings.ToLower(req.Currency))
	payload.Set("payment_method_types[]", req.Method.Type)
	if req.Method.Token != "" {
		payload.Set("payment_method", req.Method.Token)
	}
	if req.Customer != "" {
		payload.Set("customer", req.Customer)
	}
	if req.ID != "" {
		payload.Set("metadata[order_id]", req.ID)
	}
	for k, v := range req.Metadata {
		payload.Set("metadata["+k+"]", v)
	}
	for k, v := range flow {
		payload.Set("metadata[flow_"+k+"]", v)
	}
	return payload
}

// ErrorResponse is the error envelope returned by Stripe.
type ErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

type intentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"client_secret"`
	NextAction   *struct {
		Type          string `json:"type"`
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
}

// Start creates a PaymentIntent.
func (g *Gateway) Start(ctx context.Context, providerID string, req payment.Request, flow payment.FlowContext) (*payment.Intent, error) {
	return g.do(ctx, providerID, "start", http.MethodPost, "/payment_intents", buildStartPayload(req, flow))
}

// Confirm confirms an intent, sending the customer back to returnURL after any redirect.
func (g *Gateway) Confirm(ctx context.Context, providerID, intentID, returnURL string) (*payment.Intent, error) {
	payload := url.Values{}
	if returnURL != "" {
		payload.Set("return_url", returnURL)
	}
	return g.do(ctx, providerID, "confirm", http.MethodPost, "/payment_intents/"+url.PathEscape(intentID)+"/confirm", payload)
}

// Cancel cancels an intent.
func (g *Gateway) Cancel(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
	return g.do(ctx, providerID, "cancel", http.MethodPost, "/payment_intents/"+url.PathEscape(intentID)+"/cancel", url.Values{})
}

// Status retrieves an intent.
func (g *Gateway) Status(ctx context.Context, providerID, intentID string) (*payment.Intent, error) {
	return g.do(ctx, providerID, "status", http.MethodGet, "/payment_intents/"+url.PathEscape(intentID), nil)
}

func (g *Gateway) do(ctx context.Context, providerID, op, method, path string, payload url.Values) (*payment.Intent, error) {
	var body []byte
	if payload != nil {
		body = []byte(payload.Encode())
	}
	idempotencyKey := generateIdempotencyKey(providerID, op)

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, payment.Normalize(ctx.Err())
			case <-g.clock.After(g.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, g.apiBaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, payment.NewError(payment.CodeInvalidRequest, fmt.Sprintf("stripe: failed to create http request: %v", err))
		}
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
		if method == http.MethodPost {
			req.Header.Set("Idempotency-Key", idempotencyKey)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, payment.Normalize(err)
			}
			lastErr = fmt.Errorf("stripe: http client error on attempt %d: %w", attempt+1, err)
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("stripe: failed to read response body: %w", readErr)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("stripe: received HTTP %d (attempt %d)", resp.StatusCode, attempt+1)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, mapError(resp.StatusCode, respBody)
		}
		return parseIntent(providerID, respBody)
	}

	pe := payment.NewError(payment.CodeProviderUnavailable, fmt.Sprintf("stripe unavailable after %d attempts", g.retries+1))
	pe.Raw = lastErr
	return nil, pe
}

func parseIntent(providerID string, body []byte) (*payment.Intent, error) {
	var r intentResponse
	if err := json.Unmarshal(body, &r); err != nil {
		pe := payment.NewError(payment.CodeProviderError, "stripe: malformed intent response")
		pe.Raw = err
		return nil, pe
	}
	in := &payment.Intent{
		ID:           r.ID,
		Provider:     providerID,
		Status:       mapStatus(r.Status),
		Amount:       r.Amount,
		Currency:     strings.ToUpper(r.Currency),
		ClientSecret: r.ClientSecret,
	}
	if r.NextAction != nil {
		in.NextAction = &payment.NextAction{Type: r.NextAction.Type}
		if r.NextAction.RedirectToURL != nil {
			in.NextAction.RedirectURL = r.NextAction.RedirectToURL.URL
			in.RedirectURL = r.NextAction.RedirectToURL.URL
		}
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		if s, err := structpb.NewStruct(raw); err == nil {
			in.Raw = s
		}
	}
	return in, nil
}

func mapStatus(s string) payment.IntentStatus {
	switch s {
	case "requires_payment_method":
		return payment.StatusRequiresPaymentMethod
	case "requires_confirmation":
		return payment.StatusRequiresConfirmation
	case "requires_action":
		return payment.StatusRequiresAction
	case "processing", "requires_capture":
		return payment.StatusProcessing
	case "succeeded":
		return payment.StatusSucceeded
	case "canceled":
		return payment.StatusCanceled
	default:
		return payment.StatusFailed
	}
}

func mapError(status int, body []byte) *payment.PaymentError {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Type == "" {
		pe := payment.NewError(payment.CodeProviderError, fmt.Sprintf("stripe API request failed with HTTP %d", status))
		pe.Raw = string(body)
		return pe
	}

	var code payment.ErrorCode
	switch {
	case er.Error.Type == "card_error" && er.Error.Code == "authentication_required":
		code = payment.CodeRequiresAction
	case er.Error.Type == "card_error":
		code = payment.CodeCardDeclined
	case er.Error.Type == "invalid_request_error":
		code = payment.CodeInvalidRequest
	case er.Error.Type == "api_connection_error" || er.Error.Type == "rate_limit_error":
		code = payment.CodeProviderUnavailable
	default:
		code = payment.CodeProviderError
	}
	pe := payment.NewError(code, er.Error.Message)
	pe.Params = map[string]string{"stripe_type": er.Error.Type}
	if er.Error.Code != "" {
		pe.Params["stripe_code"] = er.Error.Code
	}
	if er.Error.DeclineCode != "" {
		pe.Params["decline_code"] = er.Error.DeclineCode
	}
	pe.Raw = string(body)
	return pe
}

// Factory exposes the Gateway for card and wallet payments.
type Factory struct {
	gw *Gateway
}

// NewFactory wraps gw as a registry entry.
func NewFactory(gw *Gateway) *Factory {
	return &Factory{gw: gw}
}

// SupportsMethod implements adapter.Factory.
func (f *Factory) SupportsMethod(methodType string) bool {
	return methodType == payment.MethodCard || methodType == payment.MethodWallet
}

// CreateStrategy implements adapter.Factory.
func (f *Factory) CreateStrategy(methodType string) (adapter.Strategy, error) {
	if !f.SupportsMethod(methodType) {
		return nil, payment.NewError(payment.CodeInvalidRequest, "stripe does not support "+methodType)
	}
	return cardStrategy{adapter.BasicStrategy{Method: methodType}}, nil
}

// Gateway implements adapter.Factory.
func (f *Factory) Gateway() adapter.Gateway {
	return f.gw
}

type cardStrategy struct {
	adapter.BasicStrategy
}

// Validate additionally requires a tokenized payment method for cards.
func (s cardStrategy) Validate(req payment.Request) error {
	if err := s.BasicStrategy.Validate(req); err != nil {
		return err
	}
	if req.Method.Type == payment.MethodCard && req.Method.Token == "" {
		return payment.NewError(payment.CodeInvalidRequest, "card payments need a payment method token")
	}
	return nil
}
