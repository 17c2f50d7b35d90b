// Package simplextest provides a dealt committee whose every participant can
// sign, for use in tests.
package simplextest

import (
	"github.com/drand/kyber/util/random"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
)

type Committee struct {
	Namespace simplex.Namespace
	Committee *simplex.Committee
	Public    *threshold.Public
	Shares    []*threshold.Share
	IDs       []simplex.ParticipantID
	Signers   []*threshold.Signer
}

// NewCommittee deals a key to n participants with IDs starting at firstID.
func NewCommittee(ns simplex.Namespace, n int, firstID simplex.ParticipantID) (*Committee, error) {
	quorum, err := simplex.Quorum(n)
	if err != nil {
		return nil, err
	}
	pub, shares, err := threshold.Deal(n, quorum, random.New())
	if err != nil {
		return nil, err
	}
	c := &Committee{Namespace: ns, Public: pub, Shares: shares}
	for i, s := range shares {
		signer, err := threshold.NewSigner(s)
		if err != nil {
			return nil, err
		}
		c.Signers = append(c.Signers, signer)
		c.IDs = append(c.IDs, firstID+simplex.ParticipantID(i))
	}
	if c.Committee, err = simplex.NewCommittee(c.IDs, pub); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Committee) Supervisor() simplex.Supervisor { return simplex.NewStaticSupervisor(c.Committee) }

func (c *Committee) Vote(signer int, kind simplex.VoteKind, view uint64, proposal simplex.Proposal) (*simplex.Vote, error) {
	return simplex.SignVote(c.Namespace, c.Signers[signer], c.IDs[signer], kind, view, proposal)
}

// Certificate aggregates the votes of the first quorum of participants.
func (c *Committee) Certificate(kind simplex.VoteKind, view uint64, proposal simplex.Proposal) (*simplex.Certificate, error) {
	batch := &simplex.VerifiedBatch{Kind: kind, View: view, Proposal: proposal}
	for i := 0; i < c.Committee.Quorum; i++ {
		vote, err := c.Vote(i, kind, view, proposal)
		if err != nil {
			return nil, err
		}
		batch.Votes = append(batch.Votes, vote)
	}
	return simplex.Aggregate(c.Committee, batch)
}

// Notarization certifies a proposal at view whose parent is the previous view.
func (c *Committee) Notarization(view uint64, payload simplex.Digest) (*simplex.Certificate, error) {
	return c.Certificate(simplex.KindNotarize, view, simplex.Proposal{View: view, Parent: view - 1, Payload: payload})
}

func (c *Committee) Nullification(view uint64) (*simplex.Certificate, error) {
	return c.Certificate(simplex.KindNullify, view, simplex.Proposal{})
}
