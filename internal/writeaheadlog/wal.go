package writeaheadlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.uber.org/multierr"
)

var log = logging.Logger("tsimplex/wal")

const (
	defaultRotateSize = 1 << 20 // 1MiB
	fileExtension     = ".wal.cbor"
)

// Entry is a single record in the log. Its epoch decides when the file holding
// it may be purged.
type Entry interface {
	WALEpoch() uint64
	cbg.CBORMarshaler
	cbg.CBORUnmarshaler
}

type Option func(*options)

type options struct {
	rotateSize int64
}

// WithRotateSize sets the size in bytes past which appends go to a new file.
// Purging works at file granularity, so smaller files release old entries
// sooner at the cost of more files.
func WithRotateSize(size int64) Option {
	return func(o *options) { o.rotateSize = size }
}

// WriteAheadLog is an append-only log of CBOR encoded entries, split across
// numbered files in a single directory. Every append is synced to disk before
// it returns.
type WriteAheadLog[T any, PT interface {
	*T
	Entry
}] struct {
	options
	dir string

	mu      sync.Mutex
	nextSeq uint64
	// sealed holds the files no longer appended to, oldest first.
	sealed []segment[PT]
	active struct {
		segment[PT]
		file   *os.File
		writer *cbg.CborWriter
	}
}

// segment is the in-memory copy of one log file.
type segment[PT Entry] struct {
	name     string
	entries  []PT
	maxEpoch uint64
}

func (s *segment[PT]) add(e PT) {
	s.entries = append(s.entries, e)
	s.maxEpoch = max(s.maxEpoch, e.WALEpoch())
}

// Open reads in every log file found in dir, creating dir if needed. A file
// with a corrupt tail, such as one left by a crash in the middle of an append,
// contributes the entries preceding the corruption.
func Open[T any, PT interface {
	*T
	Entry
}](dir string, o ...Option) (*WriteAheadLog[T, PT], error) {
	wal := &WriteAheadLog[T, PT]{
		options: options{rotateSize: defaultRotateSize},
		dir:     dir,
	}
	for _, apply := range o {
		apply(&wal.options)
	}
	if err := wal.load(); err != nil {
		return nil, fmt.Errorf("reading the WAL: %w", err)
	}
	return wal, nil
}

// All returns every entry in the order it was appended.
func (wal *WriteAheadLog[T, PT]) All() []PT {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	var res []PT
	for _, s := range wal.sealed {
		res = append(res, s.entries...)
	}
	return append(res, wal.active.entries...)
}

// Append writes the entry and syncs it to disk.
func (wal *WriteAheadLog[T, PT]) Append(entry PT) error {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if err := wal.maybeRotate(); err != nil {
		return fmt.Errorf("attempting to rotate: %w", err)
	}
	if err := entry.MarshalCBOR(wal.active.writer); err != nil {
		return fmt.Errorf("saving entry to WAL: %w", err)
	}
	if err := wal.active.file.Sync(); err != nil {
		return fmt.Errorf("syncing the file: %w", err)
	}
	wal.active.add(entry)
	return nil
}

// Purge removes the sealed files holding only entries with epochs below
// keepEpoch. Entries in the file being appended to are always kept.
func (wal *WriteAheadLog[T, PT]) Purge(keepEpoch uint64) error {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	var err error
	wal.sealed = slices.DeleteFunc(wal.sealed, func(s segment[PT]) bool {
		if s.maxEpoch >= keepEpoch {
			return false
		}
		if rmErr := os.Remove(filepath.Join(wal.dir, s.name)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("removing WAL file %q: %w", s.name, rmErr))
			return false
		}
		return true
	})
	return err
}

// Close seals the active file. The WAL remains usable afterwards: the next
// append opens a new file.
func (wal *WriteAheadLog[T, PT]) Close() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return wal.seal()
}

func (wal *WriteAheadLog[T, PT]) maybeRotate() error {
	if wal.active.file == nil {
		return wal.rotate()
	}
	stats, err := wal.active.file.Stat()
	if err != nil {
		return fmt.Errorf("collecting stats for the file: %w", err)
	}
	if stats.Size() >= wal.rotateSize {
		return wal.rotate()
	}
	return nil
}

// rotate seals the active file if one is open and opens a new one.
func (wal *WriteAheadLog[T, PT]) rotate() error {
	if err := wal.seal(); err != nil {
		return fmt.Errorf("sealing log file: %w", err)
	}
	// Fixed width hex keeps lexical and numeric order the same.
	name := fmt.Sprintf("%016x%s", wal.nextSeq, fileExtension)
	file, err := os.OpenFile(filepath.Join(wal.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0666)
	if err != nil {
		return fmt.Errorf("opening new log file %q: %w", name, err)
	}
	wal.nextSeq++
	wal.active.segment = segment[PT]{name: name}
	wal.active.file = file
	wal.active.writer = cbg.NewCborWriter(file)
	return nil
}

func (wal *WriteAheadLog[T, PT]) seal() error {
	if wal.active.file == nil {
		return nil
	}
	if err := wal.active.file.Sync(); err != nil {
		return fmt.Errorf("syncing content to disk: %w", err)
	}
	if err := wal.active.file.Close(); err != nil {
		return fmt.Errorf("closing the file: %w", err)
	}
	wal.sealed = append(wal.sealed, wal.active.segment)
	wal.active.segment = segment[PT]{}
	wal.active.file, wal.active.writer = nil, nil
	return nil
}

func (wal *WriteAheadLog[T, PT]) load() error {
	if err := os.MkdirAll(wal.dir, 0777); err != nil {
		return fmt.Errorf("making WAL directory at %q: %w", wal.dir, err)
	}
	dirEntries, err := os.ReadDir(wal.dir)
	if err != nil {
		return fmt.Errorf("reading dir entries at %q: %w", wal.dir, err)
	}

	var names []string
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, fileExtension), 16, 64)
		if err != nil {
			log.Warnw("Ignoring unrecognised file in WAL directory.", "name", name)
			continue
		}
		wal.nextSeq = max(wal.nextSeq, seq+1)
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		s, err := wal.read(name)
		if err != nil {
			return err
		}
		wal.sealed = append(wal.sealed, s)
	}
	return nil
}

// read loads the log file name. Parsing errors are logged and end the file.
func (wal *WriteAheadLog[T, PT]) read(name string) (segment[PT], error) {
	s := segment[PT]{name: name}
	file, err := os.Open(filepath.Join(wal.dir, name))
	if err != nil {
		return s, fmt.Errorf("opening log file %q: %w", name, err)
	}
	defer func() { _ = file.Close() }()

	reader := cbg.NewCborReader(file)
	for {
		entry := PT(new(T))
		switch err := entry.UnmarshalCBOR(reader); {
		case err == nil:
			s.add(entry)
		case errors.Is(err, io.EOF):
			return s, nil
		default:
			log.Errorw("Truncating WAL file at first unreadable entry.", "name", name, "entries", len(s.entries), "err", err)
			return s, nil
		}
	}
}
