package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Backend is the storage adapter behind a Store.
// Implementations translate slots to storage keys; they hold no state
// beyond what is in storage.
type Backend interface {
	// Slots lists every parsable credential. Entries whose names do not
	// decode to a slot are skipped.
	Slots() ([]Credential, error)

	// Move relocates the secret in from to to. It returns an error wrapping
	// fs.ErrNotExist when from is gone and ErrSlotOccupied when to exists.
	Move(from, to Slot) error

	// Read returns the raw secret in s, or an error wrapping fs.ErrNotExist.
	Read(s Slot) ([]byte, error)

	// Write stores a new secret in s. It never overwrites.
	Write(s Slot, secret []byte) error

	// Location returns the storage key for s.
	Location(s Slot) string
}

const (
	// PrimaryName is the file holding the primary credential.
	PrimaryName = ".copilot_token"
	// FileSuffix terminates every credential file name.
	FileSuffix = ".copilot_token"
	// ExhaustedDirName is the sub-directory holding parked credentials.
	ExhaustedDirName = "QuotaExhausted"
)

// DirBackend stores credentials as files in a directory:
//
//	.copilot_token                            primary
//	<rank>.copilot_token                      ranked
//	QuotaExhausted/<unix>[-<seq>].copilot_token  exhausted
type DirBackend struct {
	root      string
	exhausted string
}

// NewDirBackend opens root as a credential directory, creating the
// exhausted sub-directory if needed.
func NewDirBackend(root string) (*DirBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("credentials directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials directory: %w", err)
	}
	d := &DirBackend{
		root:      abs,
		exhausted: filepath.Join(abs, ExhaustedDirName),
	}
	if err := os.MkdirAll(d.exhausted, 0o700); err != nil {
		return nil, fmt.Errorf("create exhausted directory: %w", err)
	}
	return d, nil
}

// Root returns the credential directory.
func (d *DirBackend) Root() string {
	return d.root
}

// Slots lists the active and exhausted credentials on disk.
func (d *DirBackend) Slots() ([]Credential, error) {
	var out []Credential

	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read credentials directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		slot, ok := parseActiveName(e.Name())
		if !ok {
			continue
		}
		if !d.canonical(slot, e.Name()) {
			slog.Warn("skipping credential with non-canonical name",
				"file", filepath.Join(d.root, e.Name()), "want", filepath.Base(d.Location(slot)))
			continue
		}
		out = append(out, Credential{Slot: slot, Location: d.Location(slot)})
	}

	entries, err = os.ReadDir(d.exhausted)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read exhausted directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileSuffix) {
			continue
		}
		slot, ok := parseExhaustedName(e.Name())
		if !ok || !d.canonical(slot, e.Name()) {
			slog.Warn("skipping exhausted credential with unparsable recovery time",
				"file", filepath.Join(d.exhausted, e.Name()))
			continue
		}
		out = append(out, Credential{Slot: slot, Location: d.Location(slot)})
	}

	return out, nil
}

// Move renames the file for from to the file for to.
func (d *DirBackend) Move(from, to Slot) error {
	src, dst := d.Location(from), d.Location(to)
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("move %s to %s: %w", from, to, ErrSlotOccupied)
	}
	if to.Kind == KindExhausted {
		if err := os.MkdirAll(d.exhausted, 0o700); err != nil {
			return fmt.Errorf("create exhausted directory: %w", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	return nil
}

// Read returns the file contents for s.
func (d *DirBackend) Read(s Slot) ([]byte, error) {
	data, err := os.ReadFile(d.Location(s))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s, err)
	}
	return data, nil
}

// Write creates the file for s with owner-only permissions.
func (d *DirBackend) Write(s Slot, secret []byte) error {
	f, err := os.OpenFile(d.Location(s), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("write %s: %w", s, ErrSlotOccupied)
		}
		return fmt.Errorf("write %s: %w", s, err)
	}
	if _, err := f.Write(secret); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", s, err)
	}
	return f.Close()
}

// Location returns the file path for s.
func (d *DirBackend) Location(s Slot) string {
	switch s.Kind {
	case KindPrimary:
		return filepath.Join(d.root, PrimaryName)
	case KindRanked:
		return filepath.Join(d.root, strconv.Itoa(s.Rank)+FileSuffix)
	default:
		name := strconv.FormatInt(s.RecoverAt, 10)
		if s.Seq > 0 {
			name += "-" + strconv.Itoa(s.Seq)
		}
		return filepath.Join(d.exhausted, name+FileSuffix)
	}
}

// canonical reports whether name is exactly the file name Location builds
// for s. Names such as "01.copilot_token" parse but would be addressed
// under a different path, so they are not treated as slots.
func (d *DirBackend) canonical(s Slot, name string) bool {
	return filepath.Base(d.Location(s)) == name
}

func parseActiveName(name string) (Slot, bool) {
	if name == PrimaryName {
		return Primary(), true
	}
	base, ok := strings.CutSuffix(name, FileSuffix)
	if !ok {
		return Slot{}, false
	}
	rank, err := strconv.Atoi(base)
	if err != nil || rank < 0 {
		return Slot{}, false
	}
	return Ranked(rank), true
}

func parseExhaustedName(name string) (Slot, bool) {
	base, ok := strings.CutSuffix(name, FileSuffix)
	if !ok {
		return Slot{}, false
	}
	tsPart, seqPart, hasSeq := strings.Cut(base, "-")
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return Slot{}, false
	}
	seq := 0
	if hasSeq {
		seq, err = strconv.Atoi(seqPart)
		if err != nil || seq <= 0 {
			return Slot{}, false
		}
	}
	return Exhausted(ts, seq), true
}
