package credentials

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewDirBackend_CreatesExhaustedDir(t *testing.T) {
	root := t.TempDir()

	_, err := NewDirBackend(root)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, ExhaustedDirName))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewDirBackend_RequiresRoot(t *testing.T) {
	_, err := NewDirBackend("")
	assert.Error(t, err)
}

func TestDirBackend_Slots_ParsesNamingConvention(t *testing.T) {
	root := t.TempDir()
	d, err := NewDirBackend(root)
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, ".copilot_token"), "p")
	writeFile(t, filepath.Join(root, "3.copilot_token"), "r3")
	writeFile(t, filepath.Join(root, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(root, "backup.copilot_token"), "ignored")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "1700000000.copilot_token"), "e")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "1700000000-2.copilot_token"), "e2")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "None.copilot_token"), "bad")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "1700000000-x.copilot_token"), "bad")

	slots, err := d.Slots()
	require.NoError(t, err)

	got := make(map[Slot]string)
	for _, c := range slots {
		got[c.Slot] = c.Location
	}
	assert.Len(t, got, 4)
	assert.Equal(t, filepath.Join(d.Root(), ".copilot_token"), got[Primary()])
	assert.Contains(t, got, Ranked(3))
	assert.Contains(t, got, Exhausted(1700000000, 0))
	assert.Equal(t, filepath.Join(d.Root(), ExhaustedDirName, "1700000000-2.copilot_token"), got[Exhausted(1700000000, 2)])
}

func TestDirBackend_Slots_SkipsNonCanonicalNumbers(t *testing.T) {
	root := t.TempDir()
	d, err := NewDirBackend(root)
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "1.copilot_token"), "r1")
	writeFile(t, filepath.Join(root, "01.copilot_token"), "leading zero")
	writeFile(t, filepath.Join(root, "+2.copilot_token"), "plus sign")
	writeFile(t, filepath.Join(root, "-3.copilot_token"), "negative")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "01700000000.copilot_token"), "leading zero")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "1700000000-02.copilot_token"), "leading zero seq")
	writeFile(t, filepath.Join(root, ExhaustedDirName, "+1700000000.copilot_token"), "plus sign")

	slots, err := d.Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, Ranked(1), slots[0].Slot)
	assert.Equal(t, filepath.Join(d.Root(), "1.copilot_token"), slots[0].Location)
}

func TestStoreOnDir_LeadingZeroNamesAreLeftAlone(t *testing.T) {
	root := t.TempDir()
	d, err := NewDirBackend(root)
	require.NoError(t, err)
	now := time.Unix(1_800_000_000, 0)
	s := NewStore(d, WithClock(func() time.Time { return now }))

	active := filepath.Join(root, "01.copilot_token")
	parked := filepath.Join(root, ExhaustedDirName, "01700000000.copilot_token")
	writeFile(t, active, "gho_active")
	writeFile(t, parked, "gho_parked")

	n, err := s.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, err := s.NextCandidate()
	require.NoError(t, err)
	assert.False(t, ok)

	moved, err := s.ReclaimExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	assert.FileExists(t, active)
	assert.FileExists(t, parked)
}

func TestDirBackend_MoveRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	d, err := NewDirBackend(root)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, ".copilot_token"), "p")
	writeFile(t, filepath.Join(root, "1.copilot_token"), "a")

	err = d.Move(Ranked(1), Primary())
	require.ErrorIs(t, err, ErrSlotOccupied)

	data, err := d.Read(Primary())
	require.NoError(t, err)
	assert.Equal(t, "p", string(data))
}

func TestDirBackend_MoveMissingSource(t *testing.T) {
	d, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)

	err = d.Move(Ranked(4), Primary())
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDirBackend_WriteIsOwnerOnly(t *testing.T) {
	d, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.Write(Ranked(1), []byte("gho_x")))
	info, err := os.Stat(d.Location(Ranked(1)))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.ErrorIs(t, d.Write(Ranked(1), []byte("gho_y")), ErrSlotOccupied)
}

func TestStoreOnDir_RotationLifecycle(t *testing.T) {
	root := t.TempDir()
	d, err := NewDirBackend(root)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(d, WithClock(func() time.Time { return now }))

	writeFile(t, filepath.Join(root, "1.copilot_token"), "gho_one\n")
	writeFile(t, filepath.Join(root, "2.copilot_token"), "gho_two\n")
	unparsable := filepath.Join(root, ExhaustedDirName, "None.copilot_token")
	writeFile(t, unparsable, "gho_lost")

	c, ok, err := s.NextCandidate()
	require.NoError(t, err)
	require.True(t, ok)
	c, err = s.PromoteToPrimary(c)
	require.NoError(t, err)

	secret, err := s.ReadSecret(c)
	require.NoError(t, err)
	assert.Equal(t, "gho_one", secret)

	_, err = s.Demote(c, now.Add(-time.Second))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, ExhaustedDirName, "1699999999.copilot_token"))

	n, err := s.ReclaimExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(root, "3.copilot_token"))
	assert.FileExists(t, unparsable, "unparsable entries are left in place")

	active, err := s.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}
