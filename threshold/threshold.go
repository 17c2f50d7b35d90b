// Package threshold implements t-of-n BLS threshold signatures over BLS12-381.
//
// A trusted dealer splits a group secret into n shares. Each participant
// produces partial signatures with its share; any t distinct partials over the
// same message interpolate into a single signature that verifies against the
// one group public key, regardless of which subset contributed.
package threshold

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/share"
)

var (
	// ErrInvalidShare signals that a partial signature does not verify against
	// the share public key of its claimed signer, or that the claimed signer
	// index is out of range.
	ErrInvalidShare = errors.New("invalid signature share")
	// ErrInsufficientShares signals that fewer than threshold distinct shares
	// were supplied to aggregation.
	ErrInsufficientShares = errors.New("insufficient signature shares")
	// ErrDuplicateShare signals that the same signer index appears more than
	// once in an aggregation set.
	ErrDuplicateShare = errors.New("duplicate signature share")
	// ErrInvalidCertificate signals that an aggregate signature does not verify
	// against the group public key.
	ErrInvalidCertificate = errors.New("invalid aggregate signature")
)

// Role is a domain separation tag prepended to every signed payload so that a
// signature produced for one purpose can never be replayed for another.
type Role string

// Message returns the bytes actually signed for the given role and payload.
func (r Role) Message(payload []byte) []byte {
	msg := make([]byte, 0, binary.MaxVarintLen64+len(r)+len(payload))
	msg = binary.AppendUvarint(msg, uint64(len(r)))
	msg = append(msg, r...)
	return append(msg, payload...)
}

// PartialSignature is the share of a threshold signature contributed by the
// participant at Index.
type PartialSignature struct {
	Index     int
	Signature []byte
}

// Public holds the public side of a dealt key: the commitments to the secret
// polynomial. The first commitment is the group public key.
type Public struct {
	Participants int
	Threshold    int
	Commits      [][]byte
}

// GroupKey returns the marshalled group public key.
func (p *Public) GroupKey() []byte {
	if p == nil || len(p.Commits) == 0 {
		return nil
	}
	return p.Commits[0]
}

// Share is the private signing share of the participant at Index.
type Share struct {
	Index int
	Value []byte
}

var suite = bls12381.NewBLS12381Suite()

// Deal generates a fresh group key split into n shares, any t of which can
// produce a group signature.
func Deal(n, t int, rand cipher.Stream) (*Public, []*Share, error) {
	switch {
	case n <= 0:
		return nil, nil, fmt.Errorf("participant count must be positive: %d", n)
	case t <= 0 || t > n:
		return nil, nil, fmt.Errorf("threshold must be in range [1, %d]: %d", n, t)
	}
	secret := suite.G2().Scalar().Pick(rand)
	priPoly := share.NewPriPoly(suite.G2(), t, secret, rand)
	pubPoly := priPoly.Commit(suite.G2().Point().Base())

	_, commits := pubPoly.Info()
	pub := &Public{
		Participants: n,
		Threshold:    t,
		Commits:      make([][]byte, len(commits)),
	}
	for i, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, nil, fmt.Errorf("marshalling commitment %d: %w", i, err)
		}
		pub.Commits[i] = b
	}

	priShares := priPoly.Shares(n)
	shares := make([]*Share, len(priShares))
	for i, s := range priShares {
		b, err := s.V.MarshalBinary()
		if err != nil {
			return nil, nil, fmt.Errorf("marshalling share %d: %w", i, err)
		}
		shares[i] = &Share{Index: s.I, Value: b}
	}
	return pub, shares, nil
}
