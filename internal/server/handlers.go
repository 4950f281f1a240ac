// Package server exposes health, metrics and the admin API for the
// credential pool over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"copilotpool/internal/core"
	"copilotpool/internal/credentials"
	"copilotpool/internal/session"
)

// Pool lists the credential pool.
type Pool interface {
	Inventory() (credentials.Inventory, error)
}

// Sessions is the session manager as seen by the admin API.
type Sessions interface {
	Acquire(ctx context.Context) error
	Current() session.Session
}

// Handler holds the HTTP handlers
type Handler struct {
	pool     Pool
	sessions Sessions
}

// NewHandler creates a new handler over the pool and session manager.
func NewHandler(pool Pool, sessions Sessions) *Handler {
	return &Handler{
		pool:     pool,
		sessions: sessions,
	}
}

// SessionSummary is the session as reported by the admin API. The token
// itself is never exposed; Fingerprint identifies it across calls.
type SessionSummary struct {
	Loaded           bool           `json:"loaded"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
	Quotas           map[string]int `json:"quotas,omitempty"`
	ChatQuota        int            `json:"chat_quota"`
	ResetAt          *time.Time     `json:"reset_at,omitempty"`
	TelemetryEnabled bool           `json:"telemetry_enabled"`
	APIBaseURL       string         `json:"api_base_url"`
	AcquiredAt       *time.Time     `json:"acquired_at,omitempty"`
}

// Summarize builds the public view of s.
func Summarize(s session.Session) SessionSummary {
	out := SessionSummary{
		Loaded:           s.Valid(),
		TelemetryEnabled: s.TelemetryEnabled,
		APIBaseURL:       s.APIBaseURL,
	}
	if !s.Valid() {
		return out
	}
	out.Fingerprint = Fingerprint(s.Token)
	out.Quotas = s.Quotas
	out.ChatQuota = s.ChatQuota()
	if !s.ResetAt.IsZero() {
		t := s.ResetAt.UTC()
		out.ResetAt = &t
	}
	if !s.AcquiredAt.IsZero() {
		t := s.AcquiredAt.UTC()
		out.AcquiredAt = &t
	}
	return out
}

// Fingerprint returns a short non-reversible identifier for a token.
func Fingerprint(token string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(token))
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Credentials handles GET /admin/v1/credentials
func (h *Handler) Credentials(c echo.Context) error {
	inv, err := h.pool.Inventory()
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, inv)
}

// Session handles GET /admin/v1/session
func (h *Handler) Session(c echo.Context) error {
	return c.JSON(http.StatusOK, Summarize(h.sessions.Current()))
}

// Refresh handles POST /admin/v1/session/refresh
func (h *Handler) Refresh(c echo.Context) error {
	if err := h.sessions.Acquire(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, Summarize(h.sessions.Current()))
}

// GatewayError maps session failures onto the HTTP error taxonomy.
// It returns nil for errors it does not recognize.
func GatewayError(err error) *core.GatewayError {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr
	}
	switch {
	case errors.Is(err, session.ErrNoCredentials):
		return core.NewUnavailableError("no credentials in the pool", err)
	case errors.Is(err, session.ErrAllExhausted):
		return core.NewUnavailableError("every credential has exhausted its chat quota", err)
	case errors.Is(err, session.ErrRotationLimit):
		return core.NewUnavailableError("could not load a usable session", err)
	case errors.Is(err, session.ErrTelemetryEnabled):
		return core.NewTelemetryError("telemetry is enabled for the current account", err)
	}
	return nil
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	if gatewayErr := GatewayError(err); gatewayErr != nil {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	slog.Error("admin request failed", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
