// Package credentials manages the on-disk pool of Copilot access tokens.
//
// A credential lives in exactly one slot: the primary slot consulted first,
// a ranked slot in the active pool, or an exhausted slot stamped with the
// time its quota is expected to reset. The slot is the whole state machine;
// a Backend translates slots to and from storage names.
package credentials

import (
	"fmt"
	"time"
)

// Kind is the state of a credential slot.
type Kind int

const (
	// KindPrimary is the single distinguished slot in the active pool.
	KindPrimary Kind = iota
	// KindRanked is a non-primary active slot ordered by Rank.
	KindRanked
	// KindExhausted is a parked slot waiting for RecoverAt.
	KindExhausted
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindRanked:
		return "ranked"
	case KindExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Slot identifies where a credential is stored.
// Rank is set only for KindRanked; RecoverAt and Seq only for KindExhausted.
type Slot struct {
	Kind      Kind
	Rank      int
	RecoverAt int64 // unix seconds
	Seq       int   // disambiguates credentials sharing a RecoverAt
}

// Primary returns the primary slot.
func Primary() Slot { return Slot{Kind: KindPrimary} }

// Ranked returns the active slot with the given rank.
func Ranked(rank int) Slot { return Slot{Kind: KindRanked, Rank: rank} }

// Exhausted returns the parked slot for the given recovery time and sequence.
func Exhausted(recoverAt int64, seq int) Slot {
	return Slot{Kind: KindExhausted, RecoverAt: recoverAt, Seq: seq}
}

// Active reports whether the slot belongs to the active pool.
func (s Slot) Active() bool {
	return s.Kind == KindPrimary || s.Kind == KindRanked
}

// RecoveryTime returns the recovery time of an exhausted slot, or the zero
// time for active slots.
func (s Slot) RecoveryTime() time.Time {
	if s.Kind != KindExhausted {
		return time.Time{}
	}
	return time.Unix(s.RecoverAt, 0)
}

func (s Slot) String() string {
	switch s.Kind {
	case KindRanked:
		return fmt.Sprintf("ranked(%d)", s.Rank)
	case KindExhausted:
		if s.Seq > 0 {
			return fmt.Sprintf("exhausted(%d-%d)", s.RecoverAt, s.Seq)
		}
		return fmt.Sprintf("exhausted(%d)", s.RecoverAt)
	default:
		return s.Kind.String()
	}
}

// Credential is a stored secret addressed by its slot.
type Credential struct {
	Slot Slot
	// Location is the backend's storage key for the slot (a file path for DirBackend).
	Location string
}
