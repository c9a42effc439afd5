package payment

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the closed set of failure classes a payment attempt can end with.
type ErrorCode string

const (
	CodeInvalidRequest      ErrorCode = "invalid_request"
	CodeCardDeclined        ErrorCode = "card_declined"
	CodeRequiresAction      ErrorCode = "requires_action"
	CodeProviderUnavailable ErrorCode = "provider_unavailable"
	CodeProviderError       ErrorCode = "provider_error"
	CodeUnknown             ErrorCode = "unknown_error"
	CodeFallbackHandled     ErrorCode = "fallback_handled"
)

var knownCodes = map[ErrorCode]struct{}{
	CodeInvalidRequest:      {},
	CodeCardDeclined:        {},
	CodeRequiresAction:      {},
	CodeProviderUnavailable: {},
	CodeProviderError:       {},
	CodeUnknown:             {},
	CodeFallbackHandled:     {},
}

// ParseErrorCode maps a string onto the taxonomy, falling back to CodeUnknown.
func ParseErrorCode(s string) ErrorCode {
	c := ErrorCode(s)
	if _, ok := knownCodes[c]; ok {
		return c
	}
	return CodeUnknown
}

// PaymentError is the normalized failure of a gateway call.
type PaymentError struct {
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	MessageKey string            `json:"message_key,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Raw        any               `json:"-"`
}

// NewError builds a PaymentError with the message key derived from the code.
func NewError(code ErrorCode, msg string) *PaymentError {
	return &PaymentError{Code: code, Message: msg, MessageKey: "errors." + string(code)}
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the original cause when Raw holds an error.
func (e *PaymentError) Unwrap() error {
	if err, ok := e.Raw.(error); ok {
		return err
	}
	return nil
}

// Transient reports whether retrying the same call could succeed.
func (e *PaymentError) Transient() bool {
	return e != nil && e.Code == CodeProviderUnavailable
}

// Normalize turns any failure value into a PaymentError. Values that carry no
// recognizable code become unknown_error; nil stays nil.
func Normalize(v any) *PaymentError {
	switch t := v.(type) {
	case nil:
		return nil
	case *PaymentError:
		if t == nil {
			return nil
		}
		out := *t
		out.Code = ParseErrorCode(string(t.Code))
		if out.MessageKey == "" {
			out.MessageKey = "errors." + string(out.Code)
		}
		return &out
	case PaymentError:
		return Normalize(&t)
	case error:
		var pe *PaymentError
		if errors.As(t, &pe) {
			n := Normalize(pe)
			n.Raw = t
			return n
		}
		if errors.Is(t, context.DeadlineExceeded) {
			n := NewError(CodeProviderUnavailable, "provider did not respond in time")
			n.Raw = t
			return n
		}
		n := NewError(CodeUnknown, t.Error())
		n.Raw = t
		return n
	case string:
		n := NewError(CodeUnknown, t)
		n.Raw = t
		return n
	default:
		n := NewError(CodeUnknown, fmt.Sprintf("%v", t))
		n.Raw = t
		return n
	}
}
