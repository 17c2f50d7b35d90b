package tsimplex

import (
	"testing"

	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/stretchr/testify/require"
)

func TestJournal(t *testing.T) {
	entries := []*simplex.JournalEntry{
		{Kind: simplex.EntryEnteredView, View: 1},
		{Kind: simplex.EntryVote, View: 1, Vote: &simplex.Vote{Kind: simplex.KindNullify, Signer: 7, View: 1, Signature: []byte{1}, Seed: []byte{2}}},
		{Kind: simplex.EntryEnteredView, View: 2},
		{Kind: simplex.EntryCertificate, View: 2, Certificate: &simplex.Certificate{Kind: simplex.KindNullify, View: 2, Signature: []byte{3}, Seed: []byte{4}}},
	}

	t.Run("on disk", func(t *testing.T) {
		dir := t.TempDir()
		j, replayed, err := openJournal(dir)
		require.NoError(t, err)
		require.Empty(t, replayed)
		for _, e := range entries {
			require.NoError(t, j.Append(e))
		}
		require.NoError(t, j.Close())

		j, replayed, err = openJournal(dir)
		require.NoError(t, err)
		require.Equal(t, entries, replayed)
		require.NoError(t, j.Purge(2))
		require.NoError(t, j.Close())
	})

	t.Run("in memory", func(t *testing.T) {
		j, replayed, err := openJournal("")
		require.NoError(t, err)
		require.Empty(t, replayed)
		for _, e := range entries {
			require.NoError(t, j.Append(e))
		}
		require.NoError(t, j.Purge(2))
		require.Equal(t, entries[2:], j.memory)
		require.NoError(t, j.Close())
	})
}
