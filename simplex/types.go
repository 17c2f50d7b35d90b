package simplex

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/filecoin-project/go-bitfield"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// ParticipantID identifies a participant independently of its position in a
// committee.
type ParticipantID uint64

// Digest is a 32-byte content hash.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:4]) }

// CID returns the digest wrapped as a blake2b-256 DAG-CBOR content identifier.
func (d Digest) CID() cid.Cid {
	mh, err := multihash.Encode(d[:], multihash.BLAKE2B_MIN+31)
	if err != nil {
		// Encoding a fixed-length digest under a known code cannot fail.
		panic(err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

// Proposal is a payload offered by the leader of a view, extending the
// proposal notarized at Parent. Every view strictly between Parent and View
// must have been nullified.
type Proposal struct {
	View    uint64
	Parent  uint64
	Payload Digest
}

// Digest returns the blake2b-256 hash of the CBOR encoding of the proposal.
func (p *Proposal) Digest() Digest {
	var buf bytes.Buffer
	if err := p.MarshalCBOR(&buf); err != nil {
		panic(err)
	}
	return blake2b.Sum256(buf.Bytes())
}

func (p Proposal) String() string {
	return fmt.Sprintf("{view: %d, parent: %d, payload: %s}", p.View, p.Parent, p.Payload)
}

// VoteKind distinguishes the three vote kinds and, by extension, the three
// certificate kinds.
type VoteKind uint8

const (
	KindNotarize VoteKind = iota
	KindNullify
	KindFinalize
)

func (k VoteKind) String() string {
	switch k {
	case KindNotarize:
		return "notarize"
	case KindNullify:
		return "nullify"
	case KindFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CertificateName returns the name of the certificate aggregated from votes of
// this kind.
func (k VoteKind) CertificateName() string {
	switch k {
	case KindNotarize:
		return "notarization"
	case KindNullify:
		return "nullification"
	case KindFinalize:
		return "finalization"
	default:
		return k.String()
	}
}

// HasSeed reports whether votes of this kind carry a seed partial signature.
func (k VoteKind) HasSeed() bool { return k == KindNotarize || k == KindNullify }

// HasProposal reports whether votes of this kind are bound to a proposal.
func (k VoteKind) HasProposal() bool { return k == KindNotarize || k == KindFinalize }

// Vote is a single participant's signed vote. Nullify votes leave Proposal
// zero. Finalize votes leave Seed empty.
type Vote struct {
	Kind      VoteKind
	Signer    ParticipantID
	View      uint64
	Proposal  Proposal
	Signature []byte
	Seed      []byte
}

// Equal reports whether two votes are byte-for-byte identical.
func (v *Vote) Equal(o *Vote) bool {
	return v.Kind == o.Kind && v.Signer == o.Signer && v.View == o.View &&
		v.Proposal == o.Proposal && bytes.Equal(v.Signature, o.Signature) && bytes.Equal(v.Seed, o.Seed)
}

// Certificate is the aggregate of a quorum of votes of one kind. Signature and
// Seed are group signatures verifiable against the single group key.
type Certificate struct {
	Kind      VoteKind
	View      uint64
	Proposal  Proposal
	Signature []byte
	Seed      []byte
}

func (c *Certificate) String() string {
	if c.Kind.HasProposal() {
		return fmt.Sprintf("%s{view: %d, proposal: %s}", c.Kind.CertificateName(), c.View, c.Proposal)
	}
	return fmt.Sprintf("%s{view: %d}", c.Kind.CertificateName(), c.View)
}

// ProposalMessage is the leader's broadcast of a new proposal. It doubles as
// the leader's notarize vote, and carries the certificate of the previous view
// so that receivers lagging by one view can catch up.
type ProposalMessage struct {
	Proposal   Proposal
	Signer     ParticipantID
	Signature  []byte
	Seed       []byte
	ParentCert *Certificate
}

// Vote returns the leader's notarize vote embedded in the proposal.
func (m *ProposalMessage) Vote() *Vote {
	return &Vote{
		Kind:      KindNotarize,
		Signer:    m.Signer,
		View:      m.Proposal.View,
		Proposal:  m.Proposal,
		Signature: m.Signature,
		Seed:      m.Seed,
	}
}

// Message is the kind-tagged union of everything broadcast between
// participants. Exactly one field is set.
type Message struct {
	Proposal    *ProposalMessage
	Vote        *Vote
	Certificate *Certificate
}

// View returns the view the message belongs to.
func (m *Message) View() uint64 {
	switch {
	case m.Proposal != nil:
		return m.Proposal.Proposal.View
	case m.Vote != nil:
		return m.Vote.View
	case m.Certificate != nil:
		return m.Certificate.View
	default:
		return 0
	}
}

// EvidenceKind names the conflict captured in Evidence.
type EvidenceKind uint8

const (
	ConflictingNotarize EvidenceKind = iota
	ConflictingFinalize
	NullifyFinalize
)

func (k EvidenceKind) String() string {
	switch k {
	case ConflictingNotarize:
		return "conflicting-notarize"
	case ConflictingFinalize:
		return "conflicting-finalize"
	case NullifyFinalize:
		return "nullify-finalize"
	default:
		return fmt.Sprintf("evidence(%d)", uint8(k))
	}
}

// Evidence is a pair of valid, conflicting votes from one signer in one view.
type Evidence struct {
	Kind   EvidenceKind
	First  *Vote
	Second *Vote
}

// Fault records the committee indices whose partial signatures failed
// verification for one (view, kind) group.
type Fault struct {
	View    uint64
	Kind    VoteKind
	Signers bitfield.BitField
}

// VerifiedBatch is a quorum of votes for one (view, kind, proposal), each of
// which passed signature verification, from distinct signers.
type VerifiedBatch struct {
	Kind     VoteKind
	View     uint64
	Proposal Proposal
	Votes    []*Vote
}

// ProposalContext identifies the view and ancestry a payload is proposed for.
type ProposalContext struct {
	View          uint64
	Leader        ParticipantID
	Parent        uint64
	ParentPayload Digest
}
