package simplex

import (
	"errors"
	"fmt"
	"io"
	"strings"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// Tuple encodings for every wire and journal type. Unmarshalling returns a bare
// io.EOF only when the reader is exhausted before the first byte, so that
// streams of values can be read until EOF.

const maxSignatureLen = 256

var (
	_ cbg.CBORMarshaler   = (*Proposal)(nil)
	_ cbg.CBORUnmarshaler = (*Proposal)(nil)
	_ cbg.CBORMarshaler   = (*Vote)(nil)
	_ cbg.CBORUnmarshaler = (*Vote)(nil)
	_ cbg.CBORMarshaler   = (*Certificate)(nil)
	_ cbg.CBORUnmarshaler = (*Certificate)(nil)
	_ cbg.CBORMarshaler   = (*ProposalMessage)(nil)
	_ cbg.CBORUnmarshaler = (*ProposalMessage)(nil)
	_ cbg.CBORMarshaler   = (*Message)(nil)
	_ cbg.CBORUnmarshaler = (*Message)(nil)
	_ cbg.CBORMarshaler   = (*Evidence)(nil)
	_ cbg.CBORUnmarshaler = (*Evidence)(nil)
)

func writeUint(cw *cbg.CborWriter, v uint64) error {
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, v)
}

func writeBytes(cw *cbg.CborWriter, b []byte) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := cw.Write(b)
	return err
}

func writeNull(cw *cbg.CborWriter) error {
	_, err := cw.Write(cbg.CborNull)
	return err
}

func readTupleHeader(cr *cbg.CborReader, fields uint64) error {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}
	if extra != fields {
		return fmt.Errorf("cbor input had wrong number of fields: %d != %d", extra, fields)
	}
	return nil
}

func readUint(cr *cbg.CborReader) (uint64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("wrong type for uint64 field: %d", maj)
	}
	return extra, nil
}

func readBytes(cr *cbg.CborReader, max uint64) ([]byte, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if maj != cbg.MajByteString {
		return nil, fmt.Errorf("expected byte array")
	}
	if extra > max {
		return nil, fmt.Errorf("byte array too large (%d)", extra)
	}
	if extra == 0 {
		return nil, nil
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readNull consumes a CBOR null and returns true, or leaves the reader
// untouched and returns false.
func readNull(cr *cbg.CborReader) (bool, error) {
	b, err := cr.ReadByte()
	if err != nil {
		return false, err
	}
	if b == cbg.CborNull[0] {
		return true, nil
	}
	return false, cr.UnreadByte()
}

// unexpectedEOF turns an EOF met part way through a value into
// io.ErrUnexpectedEOF, keeping any context the error was wrapped in.
func unexpectedEOF(err *error) {
	switch {
	case *err == io.EOF:
		*err = io.ErrUnexpectedEOF
	case errors.Is(*err, io.EOF):
		*err = fmt.Errorf("%s: %w", strings.TrimSuffix((*err).Error(), ": EOF"), io.ErrUnexpectedEOF)
	}
}

func (d *Digest) MarshalCBOR(w io.Writer) error {
	return writeBytes(cbg.NewCborWriter(w), d[:])
}

func (d *Digest) UnmarshalCBOR(r io.Reader) error {
	b, err := readBytes(cbg.NewCborReader(r), uint64(len(d)))
	if err != nil {
		return err
	}
	if len(b) != len(d) {
		return fmt.Errorf("digest must be %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return nil
}

func (p *Proposal) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 3); err != nil {
		return err
	}
	if err := writeUint(cw, p.View); err != nil {
		return err
	}
	if err := writeUint(cw, p.Parent); err != nil {
		return err
	}
	return p.Payload.MarshalCBOR(cw)
}

func (p *Proposal) UnmarshalCBOR(r io.Reader) (err error) {
	*p = Proposal{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 3); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	if p.View, err = readUint(cr); err != nil {
		return fmt.Errorf("proposal view: %w", err)
	}
	if p.Parent, err = readUint(cr); err != nil {
		return fmt.Errorf("proposal parent: %w", err)
	}
	if err = p.Payload.UnmarshalCBOR(cr); err != nil {
		return fmt.Errorf("proposal payload: %w", err)
	}
	return nil
}

func (v *Vote) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if v == nil {
		return writeNull(cw)
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 6); err != nil {
		return err
	}
	if err := writeUint(cw, uint64(v.Kind)); err != nil {
		return err
	}
	if err := writeUint(cw, uint64(v.Signer)); err != nil {
		return err
	}
	if err := writeUint(cw, v.View); err != nil {
		return err
	}
	if err := v.Proposal.MarshalCBOR(cw); err != nil {
		return err
	}
	if err := writeBytes(cw, v.Signature); err != nil {
		return err
	}
	return writeBytes(cw, v.Seed)
}

func (v *Vote) UnmarshalCBOR(r io.Reader) (err error) {
	*v = Vote{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 6); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	kind, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("vote kind: %w", err)
	}
	if kind > uint64(KindFinalize) {
		return fmt.Errorf("unknown vote kind: %d", kind)
	}
	v.Kind = VoteKind(kind)
	signer, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("vote signer: %w", err)
	}
	v.Signer = ParticipantID(signer)
	if v.View, err = readUint(cr); err != nil {
		return fmt.Errorf("vote view: %w", err)
	}
	if err = v.Proposal.UnmarshalCBOR(cr); err != nil {
		return fmt.Errorf("vote proposal: %w", err)
	}
	if v.Signature, err = readBytes(cr, maxSignatureLen); err != nil {
		return fmt.Errorf("vote signature: %w", err)
	}
	if v.Seed, err = readBytes(cr, maxSignatureLen); err != nil {
		return fmt.Errorf("vote seed: %w", err)
	}
	return nil
}

func (c *Certificate) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if c == nil {
		return writeNull(cw)
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 5); err != nil {
		return err
	}
	if err := writeUint(cw, uint64(c.Kind)); err != nil {
		return err
	}
	if err := writeUint(cw, c.View); err != nil {
		return err
	}
	if err := c.Proposal.MarshalCBOR(cw); err != nil {
		return err
	}
	if err := writeBytes(cw, c.Signature); err != nil {
		return err
	}
	return writeBytes(cw, c.Seed)
}

func (c *Certificate) UnmarshalCBOR(r io.Reader) (err error) {
	*c = Certificate{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 5); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	kind, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("certificate kind: %w", err)
	}
	if kind > uint64(KindFinalize) {
		return fmt.Errorf("unknown certificate kind: %d", kind)
	}
	c.Kind = VoteKind(kind)
	if c.View, err = readUint(cr); err != nil {
		return fmt.Errorf("certificate view: %w", err)
	}
	if err = c.Proposal.UnmarshalCBOR(cr); err != nil {
		return fmt.Errorf("certificate proposal: %w", err)
	}
	if c.Signature, err = readBytes(cr, maxSignatureLen); err != nil {
		return fmt.Errorf("certificate signature: %w", err)
	}
	if c.Seed, err = readBytes(cr, maxSignatureLen); err != nil {
		return fmt.Errorf("certificate seed: %w", err)
	}
	return nil
}

// unmarshalCertificatePtr reads either null or a certificate.
func unmarshalCertificatePtr(cr *cbg.CborReader) (*Certificate, error) {
	null, err := readNull(cr)
	if err != nil || null {
		return nil, err
	}
	var c Certificate
	if err := c.UnmarshalCBOR(cr); err != nil {
		return nil, err
	}
	return &c, nil
}

func unmarshalVotePtr(cr *cbg.CborReader) (*Vote, error) {
	null, err := readNull(cr)
	if err != nil || null {
		return nil, err
	}
	var v Vote
	if err := v.UnmarshalCBOR(cr); err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *ProposalMessage) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if m == nil {
		return writeNull(cw)
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 5); err != nil {
		return err
	}
	if err := m.Proposal.MarshalCBOR(cw); err != nil {
		return err
	}
	if err := writeUint(cw, uint64(m.Signer)); err != nil {
		return err
	}
	if err := writeBytes(cw, m.Signature); err != nil {
		return err
	}
	if err := writeBytes(cw, m.Seed); err != nil {
		return err
	}
	return m.ParentCert.MarshalCBOR(cw)
}

func (m *ProposalMessage) UnmarshalCBOR(r io.Reader) (err error) {
	*m = ProposalMessage{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 5); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	if err = m.Proposal.UnmarshalCBOR(cr); err != nil {
		return fmt.Errorf("proposal: %w", err)
	}
	signer, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("proposal signer: %w", err)
	}
	m.Signer = ParticipantID(signer)
	if m.Signature, err = readBytes(cr, maxSignatureLen); err != nil {
		return fmt.Errorf("proposal signature: %w", err)
	}
	if m.Seed, err = readBytes(cr, maxSignatureLen); err != nil {
		return fmt.Errorf("proposal seed: %w", err)
	}
	if m.ParentCert, err = unmarshalCertificatePtr(cr); err != nil {
		return fmt.Errorf("proposal parent certificate: %w", err)
	}
	return nil
}

const (
	tagProposal uint64 = iota
	tagVote
	tagCertificate
)

func (m *Message) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 2); err != nil {
		return err
	}
	switch {
	case m.Proposal != nil:
		if err := writeUint(cw, tagProposal); err != nil {
			return err
		}
		return m.Proposal.MarshalCBOR(cw)
	case m.Vote != nil:
		if err := writeUint(cw, tagVote); err != nil {
			return err
		}
		return m.Vote.MarshalCBOR(cw)
	case m.Certificate != nil:
		if err := writeUint(cw, tagCertificate); err != nil {
			return err
		}
		return m.Certificate.MarshalCBOR(cw)
	default:
		return fmt.Errorf("empty message")
	}
}

func (m *Message) UnmarshalCBOR(r io.Reader) (err error) {
	*m = Message{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 2); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	tag, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("message tag: %w", err)
	}
	switch tag {
	case tagProposal:
		m.Proposal = new(ProposalMessage)
		return m.Proposal.UnmarshalCBOR(cr)
	case tagVote:
		m.Vote = new(Vote)
		return m.Vote.UnmarshalCBOR(cr)
	case tagCertificate:
		m.Certificate = new(Certificate)
		return m.Certificate.UnmarshalCBOR(cr)
	default:
		return fmt.Errorf("unknown message tag: %d", tag)
	}
}

func (e *Evidence) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 3); err != nil {
		return err
	}
	if err := writeUint(cw, uint64(e.Kind)); err != nil {
		return err
	}
	if err := e.First.MarshalCBOR(cw); err != nil {
		return err
	}
	return e.Second.MarshalCBOR(cw)
}

func (e *Evidence) UnmarshalCBOR(r io.Reader) (err error) {
	*e = Evidence{}
	cr := cbg.NewCborReader(r)
	if err := readTupleHeader(cr, 3); err != nil {
		return err
	}
	defer unexpectedEOF(&err)

	kind, err := readUint(cr)
	if err != nil {
		return fmt.Errorf("evidence kind: %w", err)
	}
	if kind > uint64(NullifyFinalize) {
		return fmt.Errorf("unknown evidence kind: %d", kind)
	}
	e.Kind = EvidenceKind(kind)
	if e.First, err = unmarshalVotePtr(cr); err != nil {
		return fmt.Errorf("evidence first vote: %w", err)
	}
	if e.Second, err = unmarshalVotePtr(cr); err != nil {
		return fmt.Errorf("evidence second vote: %w", err)
	}
	return nil
}
