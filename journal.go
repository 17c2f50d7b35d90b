package tsimplex

import (
	"fmt"
	"sync"

	"github.com/filecoin-project/go-tsimplex/internal/writeaheadlog"
	"github.com/filecoin-project/go-tsimplex/simplex"
)

var _ simplex.Journal = (*journal)(nil)

// journal persists voter decisions. Without a directory it keeps them in
// memory only, and a restarted node starts from scratch.
type journal struct {
	wal *writeaheadlog.WriteAheadLog[simplex.JournalEntry, *simplex.JournalEntry]

	mu     sync.Mutex
	memory []*simplex.JournalEntry
}

// openJournal opens the journal kept in directory and returns the entries it
// holds, in the order they were appended.
func openJournal(directory string) (*journal, []*simplex.JournalEntry, error) {
	if directory == "" {
		log.Warn("No journal directory configured; voter decisions will not survive a restart.")
		return &journal{}, nil, nil
	}
	wal, err := writeaheadlog.Open[simplex.JournalEntry](directory)
	if err != nil {
		return nil, nil, fmt.Errorf("opening journal at %s: %w", directory, err)
	}
	entries := wal.All()
	log.Infow("Opened journal.", "directory", directory, "entries", len(entries))
	return &journal{wal: wal}, entries, nil
}

func (j *journal) Append(entry *simplex.JournalEntry) error {
	if j.wal == nil {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.memory = append(j.memory, entry)
		return nil
	}
	return j.wal.Append(entry)
}

// Purge drops entries for views below retainFrom where possible.
func (j *journal) Purge(retainFrom uint64) error {
	if j.wal == nil {
		j.mu.Lock()
		defer j.mu.Unlock()
		kept := j.memory[:0]
		for _, e := range j.memory {
			if e.View >= retainFrom {
				kept = append(kept, e)
			}
		}
		clear(j.memory[len(kept):])
		j.memory = kept
		return nil
	}
	return j.wal.Purge(retainFrom)
}

func (j *journal) Close() error {
	if j.wal == nil {
		return nil
	}
	return j.wal.Close()
}
