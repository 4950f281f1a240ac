package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"sync"
	"time"

	"copilotpool/internal/credentials"
)

const (
	// DefaultMaxAttempts bounds exchange attempts in one rotation.
	DefaultMaxAttempts = 100
	// DefaultMaxSecretMisses bounds candidates skipped because their secret
	// vanished mid-rotation. These do not count as attempts.
	DefaultMaxSecretMisses = 100
	// DefaultRecovery parks an exhausted credential when upstream reports
	// no reset date.
	DefaultRecovery = 24 * time.Hour
)

// Config holds Manager options. Zero values fall back to the defaults above.
type Config struct {
	MaxAttempts     int
	MaxSecretMisses int
	DefaultRecovery time.Duration
	// APIBaseURL is the completions base URL until an exchange overrides it.
	APIBaseURL string
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Manager produces a usable session by rotating through the credential pool.
//
// Acquire is serialized by rotateMu for its whole duration. The committed
// session is guarded separately by mu, which is only held for the copy, so
// Current never waits on rotation I/O.
type Manager struct {
	pool      Pool
	exchanger Exchanger

	maxAttempts     int
	maxSecretMisses int
	defaultRecovery time.Duration
	now             func() time.Time

	rotateMu sync.Mutex

	mu      sync.RWMutex
	current Session
}

// NewManager creates a Manager over pool and exchanger. The session starts empty.
func NewManager(pool Pool, exchanger Exchanger, cfg Config) *Manager {
	m := &Manager{
		pool:            pool,
		exchanger:       exchanger,
		maxAttempts:     cfg.MaxAttempts,
		maxSecretMisses: cfg.MaxSecretMisses,
		defaultRecovery: cfg.DefaultRecovery,
		now:             cfg.Now,
		current:         Session{APIBaseURL: cfg.APIBaseURL},
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.maxSecretMisses <= 0 {
		m.maxSecretMisses = DefaultMaxSecretMisses
	}
	if m.defaultRecovery <= 0 {
		m.defaultRecovery = DefaultRecovery
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Acquire loads a session with chat quota available, rotating past
// exhausted credentials. It is safe to call repeatedly and concurrently;
// callers are serialized.
//
// Terminal errors are ErrNoCredentials, ErrAllExhausted, ErrRotationLimit,
// context errors, and storage failures. Exchange failures and vanished
// secrets are logged and skipped.
func (m *Manager) Acquire(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	err := m.rotate(ctx)
	switch {
	case err == nil:
		rotationsTotal.WithLabelValues(outcomeSuccess).Inc()
	case errors.Is(err, ErrNoCredentials):
		rotationsTotal.WithLabelValues(outcomeNoCreds).Inc()
		slog.Error("no credentials available")
	case errors.Is(err, ErrAllExhausted):
		rotationsTotal.WithLabelValues(outcomeExhausted).Inc()
		slog.Error("no credentials with chat quota left")
	case errors.Is(err, ErrRotationLimit):
		rotationsTotal.WithLabelValues(outcomeLimit).Inc()
		slog.Error("could not load a valid session", "max_attempts", m.maxAttempts)
	default:
		rotationsTotal.WithLabelValues(outcomeError).Inc()
		slog.Error("session rotation failed", "error", err)
	}
	return err
}

func (m *Manager) rotate(ctx context.Context) error {
	recovered, err := m.pool.ReclaimExpired()
	if err != nil {
		// Credentials already in the pool are still usable.
		slog.Warn("failed to reclaim exhausted credentials", "error", err)
	}
	if recovered > 0 {
		reclaimedTotal.Add(float64(recovered))
		slog.Info("recovered credentials with renewed quota", "count", recovered)
	}

	attempts, misses := 0, 0
	for attempts < m.maxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidate, ok, err := m.pool.NextCandidate()
		if err != nil {
			return fmt.Errorf("select candidate: %w", err)
		}
		if !ok {
			return ErrNoCredentials
		}

		primary, secret, err := m.claim(candidate)
		if err != nil {
			if !isRace(err) {
				return err
			}
			misses++
			secretRacesTotal.Inc()
			slog.Warn("credential disappeared while loading", "slot", candidate.Slot.String(), "error", err)
			if misses >= m.maxSecretMisses {
				return fmt.Errorf("%w: %d candidates vanished", ErrRotationLimit, misses)
			}
			continue
		}

		attempts++
		ex, err := m.exchanger.Exchange(ctx, secret)
		if err != nil {
			exchangeFailuresTotal.Inc()
			slog.Warn("token exchange failed", "attempt", attempts, "error", err)
			continue
		}

		if chatQuota(ex.Quotas) == 0 {
			if err := m.park(primary, ex, attempts); err != nil {
				return err
			}
			remaining, err := m.pool.CountActive()
			if err != nil {
				return fmt.Errorf("count active credentials: %w", err)
			}
			activeCredentials.Set(float64(remaining))
			if remaining == 0 {
				return ErrAllExhausted
			}
			continue
		}

		m.commit(ex)
		if remaining, err := m.pool.CountActive(); err == nil {
			activeCredentials.Set(float64(remaining))
		}
		slog.Info("session loaded", "quotas", ex.Quotas, "attempts", attempts, "telemetry", ex.Telemetry)
		return nil
	}

	return ErrRotationLimit
}

// claim promotes candidate into the primary slot and reads its secret.
func (m *Manager) claim(candidate credentials.Credential) (credentials.Credential, string, error) {
	primary, err := m.pool.PromoteToPrimary(candidate)
	if err != nil {
		return candidate, "", fmt.Errorf("promote candidate: %w", err)
	}
	secret, err := m.pool.ReadSecret(primary)
	if err != nil {
		return primary, "", fmt.Errorf("read secret: %w", err)
	}
	return primary, secret, nil
}

// park demotes an exhausted credential until upstream's reset time.
func (m *Manager) park(c credentials.Credential, ex *Exchange, attempt int) error {
	recoverAt := ex.ResetAt
	if recoverAt.IsZero() {
		recoverAt = m.now().Add(m.defaultRecovery)
		slog.Warn("exhausted credential has no reset date, using default recovery",
			"recover_at", recoverAt.UTC().Format(time.RFC3339))
	}
	if _, err := m.pool.Demote(c, recoverAt); err != nil {
		return fmt.Errorf("demote exhausted credential: %w", err)
	}
	demotionsTotal.Inc()
	slog.Warn("credential quota exhausted, rotating", "attempt", attempt,
		"recover_at", recoverAt.UTC().Format(time.RFC3339))
	return nil
}

// commit replaces the session in one step.
func (m *Manager) commit(ex *Exchange) {
	next := Session{
		Token:            ex.Token,
		Quotas:           maps.Clone(ex.Quotas),
		ResetAt:          ex.ResetAt,
		TelemetryEnabled: ex.Telemetry,
		APIBaseURL:       ex.APIURL,
		AcquiredAt:       m.now(),
	}
	if next.Quotas == nil {
		next.Quotas = map[string]int{}
	}

	m.mu.Lock()
	if next.APIBaseURL == "" {
		next.APIBaseURL = m.current.APIBaseURL
	}
	m.current = next
	m.mu.Unlock()

	chatQuotaRemaining.Set(float64(chatQuota(next.Quotas)))
}

// Current returns a copy of the committed session.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// CheckTelemetry returns ErrTelemetryEnabled when outbound completions
// must be refused for the current session.
func (m *Manager) CheckTelemetry() error {
	m.mu.RLock()
	enabled := m.current.TelemetryEnabled
	m.mu.RUnlock()
	if enabled {
		return ErrTelemetryEnabled
	}
	return nil
}

func isRace(err error) bool {
	return errors.Is(err, credentials.ErrSecretMissing) ||
		errors.Is(err, credentials.ErrSlotOccupied) ||
		errors.Is(err, fs.ErrNotExist)
}
