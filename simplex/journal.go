package simplex

import (
	"fmt"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// JournalEntryKind distinguishes the decisions a voter persists.
type JournalEntryKind uint8

const (
	EntryEnteredView JournalEntryKind = iota
	EntryVote
	EntryCertificate
)

// JournalEntry is a single durable record of a voter decision. Exactly one of
// Vote and Certificate is set for EntryVote and EntryCertificate respectively;
// neither is set for EntryEnteredView.
type JournalEntry struct {
	Kind        JournalEntryKind
	View        uint64
	Vote        *Vote
	Certificate *Certificate
}

// WALEpoch returns the view of the entry, used to purge old log files.
func (e *JournalEntry) WALEpoch() uint64 { return e.View }

func (e *JournalEntry) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 4); err != nil {
		return err
	}
	if err := writeUint(cw, uint64(e.Kind)); err != nil {
		return err
	}
	if err := writeUint(cw, e.View); err != nil {
		return err
	}
	if err := e.Vote.MarshalCBOR(cw); err != nil {
		return err
	}
	return e.Certificate.MarshalCBOR(cw)
}

func (e *JournalEntry) UnmarshalCBOR(r io.Reader) (err error) {
	*e = JournalEntry{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 4); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	kind, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("journal entry kind: %w", err)
	}
	if kind > uint64(EntryCertificate) {
		return fmt.Errorf("unknown journal entry kind: %d", kind)
	}
	e.Kind = JournalEntryKind(kind)
	if e.View, err = readUint(cr); err != nil {
		return fmt.Errorf("journal entry view: %w", err)
	}
	if e.Vote, err = unmarshalVotePtr(cr); err != nil {
		return fmt.Errorf("journal entry vote: %w", err)
	}
	if e.Certificate, err = unmarshalCertificatePtr(cr); err != nil {
		return fmt.Errorf("journal entry certificate: %w", err)
	}
	switch {
	case e.Kind == EntryVote && e.Vote == nil:
		return fmt.Errorf("vote entry without vote")
	case e.Kind == EntryCertificate && e.Certificate == nil:
		return fmt.Errorf("certificate entry without certificate")
	}
	return nil
}
