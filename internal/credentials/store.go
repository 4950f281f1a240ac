package credentials

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"
)

var (
	// ErrSecretMissing means the credential disappeared between selection
	// and read. Callers should pick a new candidate.
	ErrSecretMissing = errors.New("credential secret missing")

	// ErrSlotOccupied means a move or write targeted a slot that is in use.
	ErrSlotOccupied = errors.New("credential slot occupied")

	// ErrNotActive means an operation that needs an active-pool credential
	// was given an exhausted one.
	ErrNotActive = errors.New("credential not in active pool")
)

// maxSeqProbes bounds the search for a free exhausted slot when several
// credentials share a recovery time.
const maxSeqProbes = 64

// Store mediates access to the credential pool.
//
// Store does not lock: mutating calls must be serialized by the caller
// (the session manager holds its rotation lock around them).
type Store struct {
	backend Backend
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for recovery decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store over the given backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CountActive returns the number of credentials in the active pool.
func (s *Store) CountActive() (int, error) {
	slots, err := s.backend.Slots()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range slots {
		if c.Slot.Active() {
			n++
		}
	}
	return n, nil
}

// ReclaimExpired returns every exhausted credential whose recovery time is
// at or before now to the end of the pool ranking. It returns how many
// credentials were moved.
func (s *Store) ReclaimExpired() (int, error) {
	slots, err := s.backend.Slots()
	if err != nil {
		return 0, err
	}

	now := s.now().Unix()
	next := maxRank(slots) + 1

	var due []Credential
	for _, c := range slots {
		if c.Slot.Kind == KindExhausted && c.Slot.RecoverAt <= now {
			due = append(due, c)
		}
	}
	slices.SortFunc(due, func(a, b Credential) int {
		if a.Slot.RecoverAt != b.Slot.RecoverAt {
			return cmp.Compare(a.Slot.RecoverAt, b.Slot.RecoverAt)
		}
		return a.Slot.Seq - b.Slot.Seq
	})

	recovered := 0
	for _, c := range due {
		to := Ranked(next)
		if err := s.backend.Move(c.Slot, to); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("exhausted credential vanished during reclaim", "slot", c.Slot.String())
				continue
			}
			return recovered, fmt.Errorf("reclaim %s: %w", c.Slot, err)
		}
		slog.Info("credential recovered", "from", c.Slot.String(), "to", to.String())
		next++
		recovered++
	}
	return recovered, nil
}

// NextCandidate returns the primary credential if present, otherwise the
// lowest-ranked active credential. ok is false when the pool is empty.
func (s *Store) NextCandidate() (Credential, bool, error) {
	slots, err := s.backend.Slots()
	if err != nil {
		return Credential{}, false, err
	}

	var best Credential
	found := false
	for _, c := range slots {
		switch c.Slot.Kind {
		case KindPrimary:
			return c, true, nil
		case KindRanked:
			if !found || c.Slot.Rank < best.Slot.Rank {
				best = c
				found = true
			}
		}
	}
	return best, found, nil
}

// PromoteToPrimary moves c into the primary slot and returns it at its new
// location. Promoting the primary credential is a no-op.
func (s *Store) PromoteToPrimary(c Credential) (Credential, error) {
	if c.Slot.Kind == KindPrimary {
		return c, nil
	}
	if !c.Slot.Active() {
		return c, fmt.Errorf("promote %s: %w", c.Slot, ErrNotActive)
	}
	to := Primary()
	if err := s.backend.Move(c.Slot, to); err != nil {
		return c, fmt.Errorf("promote: %w", err)
	}
	slog.Debug("credential promoted", "from", c.Slot.String())
	return Credential{Slot: to, Location: s.backend.Location(to)}, nil
}

// Demote parks c in the exhausted area until recoverAt.
func (s *Store) Demote(c Credential, recoverAt time.Time) (Credential, error) {
	if !c.Slot.Active() {
		return c, fmt.Errorf("demote %s: %w", c.Slot, ErrNotActive)
	}

	slots, err := s.backend.Slots()
	if err != nil {
		return c, err
	}
	ts := recoverAt.Unix()
	taken := make(map[int]bool)
	for _, other := range slots {
		if other.Slot.Kind == KindExhausted && other.Slot.RecoverAt == ts {
			taken[other.Slot.Seq] = true
		}
	}

	for seq := 0; seq < maxSeqProbes; seq++ {
		if taken[seq] {
			continue
		}
		to := Exhausted(ts, seq)
		err := s.backend.Move(c.Slot, to)
		if errors.Is(err, ErrSlotOccupied) {
			continue
		}
		if err != nil {
			return c, fmt.Errorf("demote: %w", err)
		}
		slog.Info("credential demoted", "from", c.Slot.String(), "recover_at", recoverAt.UTC().Format(time.RFC3339))
		return Credential{Slot: to, Location: s.backend.Location(to)}, nil
	}
	return c, fmt.Errorf("demote %s: no free exhausted slot for %d: %w", c.Slot, ts, ErrSlotOccupied)
}

// ReadSecret returns the trimmed secret stored for c. It returns an error
// wrapping ErrSecretMissing if the entry is gone.
func (s *Store) ReadSecret(c Credential) (string, error) {
	data, err := s.backend.Read(c.Slot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSecretMissing, c.Slot)
		}
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}

// Add stores a new secret at the end of the pool ranking.
func (s *Store) Add(secret string) (Credential, error) {
	trimmed := bytes.TrimSpace([]byte(secret))
	if len(trimmed) == 0 {
		return Credential{}, fmt.Errorf("secret is empty")
	}
	slots, err := s.backend.Slots()
	if err != nil {
		return Credential{}, err
	}
	to := Ranked(maxRank(slots) + 1)
	if err := s.backend.Write(to, trimmed); err != nil {
		return Credential{}, err
	}
	return Credential{Slot: to, Location: s.backend.Location(to)}, nil
}

// Entry describes one credential in an Inventory.
type Entry struct {
	State     string     `json:"state" yaml:"state"`
	Rank      int        `json:"rank,omitempty" yaml:"rank,omitempty"`
	RecoverAt *time.Time `json:"recover_at,omitempty" yaml:"recover_at,omitempty"`
	Location  string     `json:"location" yaml:"location"`
}

// Inventory is a read-only listing of the pool.
type Inventory struct {
	Active    []Entry `json:"active" yaml:"active"`
	Exhausted []Entry `json:"exhausted" yaml:"exhausted"`
}

// Inventory lists the pool in candidate order and the exhausted area in
// recovery order.
func (s *Store) Inventory() (Inventory, error) {
	slots, err := s.backend.Slots()
	if err != nil {
		return Inventory{}, err
	}

	slices.SortFunc(slots, func(a, b Credential) int {
		if a.Slot.Kind != b.Slot.Kind {
			return int(a.Slot.Kind) - int(b.Slot.Kind)
		}
		if a.Slot.Kind == KindExhausted {
			if a.Slot.RecoverAt != b.Slot.RecoverAt {
				return cmp.Compare(a.Slot.RecoverAt, b.Slot.RecoverAt)
			}
			return a.Slot.Seq - b.Slot.Seq
		}
		return a.Slot.Rank - b.Slot.Rank
	})

	inv := Inventory{Active: []Entry{}, Exhausted: []Entry{}}
	for _, c := range slots {
		e := Entry{State: c.Slot.Kind.String(), Location: c.Location}
		switch c.Slot.Kind {
		case KindRanked:
			e.Rank = c.Slot.Rank
			inv.Active = append(inv.Active, e)
		case KindExhausted:
			t := c.Slot.RecoveryTime().UTC()
			e.RecoverAt = &t
			inv.Exhausted = append(inv.Exhausted, e)
		default:
			inv.Active = append(inv.Active, e)
		}
	}
	return inv, nil
}

func maxRank(slots []Credential) int {
	m := 0
	for _, c := range slots {
		if c.Slot.Kind == KindRanked && c.Slot.Rank > m {
			m = c.Slot.Rank
		}
	}
	return m
}
