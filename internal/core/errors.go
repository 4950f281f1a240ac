// Package core provides the error taxonomy and wire types shared by the
// Copilot pool packages.
package core

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorType classifies a GatewayError and is rendered as error.type.
type ErrorType string

const (
	// ErrorTypeProvider is an upstream failure (5xx, transport, bad body).
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeRateLimit is an upstream 429.
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeInvalidRequest is a 4xx caused by the request itself.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication is a rejected GitHub secret, Copilot token or
	// admin master key.
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeTelemetry is the 403 returned before any upstream call while
	// the active account reports telemetry enabled.
	ErrorTypeTelemetry ErrorType = "telemetry_enabled"
	// ErrorTypeUnavailable means no usable credential could be loaded (503).
	ErrorTypeUnavailable ErrorType = "credentials_unavailable"
)

var defaultStatus = map[ErrorType]int{
	ErrorTypeProvider:       http.StatusBadGateway,
	ErrorTypeRateLimit:      http.StatusTooManyRequests,
	ErrorTypeInvalidRequest: http.StatusBadRequest,
	ErrorTypeAuthentication: http.StatusUnauthorized,
	ErrorTypeTelemetry:      http.StatusForbidden,
	ErrorTypeUnavailable:    http.StatusServiceUnavailable,
}

// GatewayError is the error type surfaced over HTTP and by the Copilot
// client. Err is kept for errors.Is/As and never rendered.
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	Err        error     `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns StatusCode, or the default for Type when unset.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	if status, ok := defaultStatus[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ToJSON renders the OpenAI-style {"error": {"type", "message"}} body.
func (e *GatewayError) ToJSON() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

func newError(t ErrorType, status int, provider, message string, err error) *GatewayError {
	return &GatewayError{Type: t, Message: message, StatusCode: status, Provider: provider, Err: err}
}

// NewProviderError reports an upstream failure with the given status.
func NewProviderError(provider string, statusCode int, message string, err error) *GatewayError {
	return newError(ErrorTypeProvider, statusCode, provider, message, err)
}

// NewRateLimitError reports an upstream 429.
func NewRateLimitError(provider string, message string) *GatewayError {
	return newError(ErrorTypeRateLimit, http.StatusTooManyRequests, provider, message, nil)
}

// NewInvalidRequestError reports a request that could not be built or sent (400).
func NewInvalidRequestError(message string, err error) *GatewayError {
	return newError(ErrorTypeInvalidRequest, http.StatusBadRequest, "", message, err)
}

// NewAuthenticationError reports rejected credentials (401).
func NewAuthenticationError(provider string, message string) *GatewayError {
	return newError(ErrorTypeAuthentication, http.StatusUnauthorized, provider, message, nil)
}

// NewTelemetryError is the refusal for an account with telemetry enabled (403).
func NewTelemetryError(message string, err error) *GatewayError {
	return newError(ErrorTypeTelemetry, http.StatusForbidden, "", message, err)
}

// NewUnavailableError reports an empty or exhausted credential pool (503).
func NewUnavailableError(message string, err error) *GatewayError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, "", message, err)
}

// ParseProviderError classifies a non-200 upstream reply. The message is
// taken from error.message (Copilot) or message (GitHub REST), falling back
// to the raw body.
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *GatewayError {
	message := upstreamMessage(body)
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		gwErr := NewAuthenticationError(provider, message)
		gwErr.Err = originalErr
		return gwErr
	case statusCode == http.StatusTooManyRequests:
		gwErr := NewRateLimitError(provider, message)
		gwErr.Err = originalErr
		return gwErr
	case statusCode >= 400 && statusCode < 500:
		return newError(ErrorTypeInvalidRequest, statusCode, provider, message, originalErr)
	default:
		return NewProviderError(provider, http.StatusBadGateway, message, originalErr)
	}
}

func upstreamMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return http.StatusText(http.StatusBadGateway)
}
