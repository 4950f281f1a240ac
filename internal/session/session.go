// Package session owns the active Copilot session and the rotation loop
// that produces it from the credential pool.
package session

import (
	"context"
	"errors"
	"maps"
	"time"

	"copilotpool/internal/credentials"
)

var (
	// ErrNoCredentials means the pool was empty when a candidate was needed.
	ErrNoCredentials = errors.New("no credentials available")

	// ErrAllExhausted means every credential tried in this rotation had no
	// chat quota left.
	ErrAllExhausted = errors.New("all credentials exhausted")

	// ErrRotationLimit means the attempt bound was hit without a usable
	// session, which points at a misbehaving upstream.
	ErrRotationLimit = errors.New("rotation attempt limit exceeded")

	// ErrTelemetryEnabled is the policy refusal for outbound completions
	// while the current account has telemetry on.
	ErrTelemetryEnabled = errors.New("telemetry enabled for current account")
)

// ChatQuotaKey is the quota category that decides whether a credential is usable.
const ChatQuotaKey = "chat"

// DefaultChatQuota is assumed when the exchange reports no chat quota.
// Absence is treated as "not limited"; this is a policy choice.
const DefaultChatQuota = 1

// Pool is the credential store contract the manager drives.
// *credentials.Store satisfies it.
type Pool interface {
	CountActive() (int, error)
	ReclaimExpired() (int, error)
	NextCandidate() (credentials.Credential, bool, error)
	PromoteToPrimary(c credentials.Credential) (credentials.Credential, error)
	Demote(c credentials.Credential, recoverAt time.Time) (credentials.Credential, error)
	ReadSecret(c credentials.Credential) (string, error)
}

// Exchange is the result of trading a stored secret for a session token.
type Exchange struct {
	Token     string
	Quotas    map[string]int
	ResetAt   time.Time // zero when upstream did not report one
	Telemetry bool
	APIURL    string // empty when upstream did not override the endpoint
}

// Exchanger trades a stored secret for a short-lived session token.
// Implementations must bound their own request time.
type Exchanger interface {
	Exchange(ctx context.Context, secret string) (*Exchange, error)
}

// Session is a snapshot of the committed upstream session.
type Session struct {
	Token            string         `json:"-"`
	Quotas           map[string]int `json:"quotas"`
	ResetAt          time.Time      `json:"reset_at,omitzero"`
	TelemetryEnabled bool           `json:"telemetry_enabled"`
	APIBaseURL       string         `json:"api_base_url"`
	AcquiredAt       time.Time      `json:"acquired_at,omitzero"`
}

// Valid reports whether a session has been committed.
func (s Session) Valid() bool {
	return s.Token != ""
}

// ChatQuota returns the remaining chat quota, applying DefaultChatQuota
// when the category is absent.
func (s Session) ChatQuota() int {
	return chatQuota(s.Quotas)
}

func (s Session) clone() Session {
	s.Quotas = maps.Clone(s.Quotas)
	return s
}

func chatQuota(quotas map[string]int) int {
	if v, ok := quotas[ChatQuotaKey]; ok {
		return v
	}
	return DefaultChatQuota
}
