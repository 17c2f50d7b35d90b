package writeaheadlog_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/filecoin-project/go-tsimplex/internal/writeaheadlog"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/stretchr/testify/require"
)

type journal = writeaheadlog.WriteAheadLog[simplex.JournalEntry, *simplex.JournalEntry]

func open(t *testing.T, dir string, o ...writeaheadlog.Option) *journal {
	wal, err := writeaheadlog.Open[simplex.JournalEntry](dir, o...)
	require.NoError(t, err)
	return wal
}

func entered(view uint64) *simplex.JournalEntry {
	return &simplex.JournalEntry{Kind: simplex.EntryEnteredView, View: view}
}

func voted(view uint64) *simplex.JournalEntry {
	return &simplex.JournalEntry{
		Kind: simplex.EntryVote,
		View: view,
		Vote: &simplex.Vote{
			Kind:      simplex.KindNullify,
			Signer:    3,
			View:      view,
			Signature: bytes.Repeat([]byte{0xaa}, 96),
			Seed:      bytes.Repeat([]byte{0xbb}, 96),
		},
	}
}

func appendAll(t *testing.T, wal *journal, entries ...*simplex.JournalEntry) {
	for _, e := range entries {
		require.NoError(t, wal.Append(e))
	}
}

func TestWAL_ReplaysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	wal := open(t, dir)
	entries := []*simplex.JournalEntry{entered(1), voted(1), entered(2), voted(2)}
	appendAll(t, wal, entries...)
	require.Equal(t, entries, wal.All())

	require.NoError(t, wal.Close())
	require.Equal(t, entries, wal.All())

	require.Equal(t, entries, open(t, dir).All())
}

func TestWAL_ReplaysWithoutClose(t *testing.T) {
	dir := t.TempDir()
	entries := []*simplex.JournalEntry{entered(1), voted(1)}
	// Abandon the log as a crash would.
	appendAll(t, open(t, dir), entries...)
	require.Equal(t, entries, open(t, dir).All())
}

func TestWAL_TruncatesTornAppend(t *testing.T) {
	dir := t.TempDir()
	wal := open(t, dir)
	appendAll(t, wal, entered(1), voted(1))
	require.NoError(t, wal.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*.wal.cbor"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	stat, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], stat.Size()-8))

	require.Equal(t, []*simplex.JournalEntry{entered(1)}, open(t, dir).All())
}

func TestWAL_Empty(t *testing.T) {
	wal := open(t, t.TempDir())
	require.Empty(t, wal.All())
	require.NoError(t, wal.Close())
	require.Empty(t, wal.All())
}

func TestWAL_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("fish"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz.wal.cbor"), []byte("fish"), 0644))
	wal := open(t, dir)
	appendAll(t, wal, entered(1))
	require.Equal(t, []*simplex.JournalEntry{entered(1)}, open(t, dir).All())
}

func TestWAL_Purge(t *testing.T) {
	dir := t.TempDir()
	wal := open(t, dir)
	for view := uint64(1); view <= 3; view++ {
		appendAll(t, wal, entered(view), voted(view))
		require.NoError(t, wal.Close())
	}
	appendAll(t, wal, entered(4))

	require.NoError(t, wal.Purge(3))
	want := []*simplex.JournalEntry{entered(3), voted(3), entered(4)}
	require.Equal(t, want, wal.All())
	require.Equal(t, want, open(t, dir).All())

	// The file being appended to is never purged.
	require.NoError(t, wal.Purge(10))
	require.Equal(t, []*simplex.JournalEntry{entered(4)}, wal.All())
}

func TestWAL_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	wal := open(t, dir, writeaheadlog.WithRotateSize(1))
	var want []*simplex.JournalEntry
	for view := uint64(1); view <= 12; view++ {
		want = append(want, voted(view))
	}
	appendAll(t, wal, want...)

	files, err := filepath.Glob(filepath.Join(dir, "*.wal.cbor"))
	require.NoError(t, err)
	require.Len(t, files, len(want))
	require.Equal(t, want, open(t, dir).All())

	require.NoError(t, wal.Purge(11))
	require.Equal(t, want[10:], wal.All())
	require.Equal(t, want[10:], open(t, dir).All())
}
