package simplex

import (
	"encoding/binary"
	"fmt"

	"github.com/filecoin-project/go-tsimplex/threshold"
)

// Namespace separates the signatures of one network from those of any other
// sharing the same keys.
type Namespace string

// VoteRole returns the signing role for votes of the given kind.
func (ns Namespace) VoteRole(k VoteKind) threshold.Role {
	return threshold.Role(string(ns) + "_" + k.String())
}

// SeedRole returns the signing role for per-view randomness.
func (ns Namespace) SeedRole() threshold.Role {
	return threshold.Role(string(ns) + "_seed")
}

// VotePayload returns the bytes signed by a vote or certificate of the given
// kind. Nullify payloads carry only the view.
func VotePayload(kind VoteKind, view uint64, proposal *Proposal) []byte {
	buf := binary.BigEndian.AppendUint64(make([]byte, 0, 40), view)
	if kind.HasProposal() {
		d := proposal.Digest()
		buf = append(buf, d[:]...)
	}
	return buf
}

// SeedPayload returns the bytes signed for the randomness seed of a view.
func SeedPayload(view uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, view)
}

// Signer produces this participant's partial signatures.
type Signer interface {
	Index() int
	SignPartial(role threshold.Role, payload []byte) (threshold.PartialSignature, error)
}

// SignVote builds and signs a vote of the given kind.
func SignVote(ns Namespace, signer Signer, id ParticipantID, kind VoteKind, view uint64, proposal Proposal) (*Vote, error) {
	vote := &Vote{Kind: kind, Signer: id, View: view}
	if kind.HasProposal() {
		vote.Proposal = proposal
	}
	sig, err := signer.SignPartial(ns.VoteRole(kind), VotePayload(kind, view, &vote.Proposal))
	if err != nil {
		return nil, fmt.Errorf("signing %s vote: %w", kind, err)
	}
	vote.Signature = sig.Signature
	if kind.HasSeed() {
		seed, err := signer.SignPartial(ns.SeedRole(), SeedPayload(view))
		if err != nil {
			return nil, fmt.Errorf("signing seed: %w", err)
		}
		vote.Seed = seed.Signature
	}
	return vote, nil
}

// VerifyVote checks the signatures of a single vote.
func VerifyVote(ns Namespace, c *Committee, vote *Vote) error {
	index, ok := c.IndexOf(vote.Signer)
	if !ok {
		return ErrValidationWrongSigner
	}
	err := c.Verifier.VerifyPartial(ns.VoteRole(vote.Kind), VotePayload(vote.Kind, vote.View, &vote.Proposal),
		threshold.PartialSignature{Index: index, Signature: vote.Signature})
	if err != nil {
		return err
	}
	if vote.Kind.HasSeed() {
		return c.Verifier.VerifyPartial(ns.SeedRole(), SeedPayload(vote.View),
			threshold.PartialSignature{Index: index, Signature: vote.Seed})
	}
	return nil
}

// VerifyCertificate checks the group signatures of a certificate.
func VerifyCertificate(ns Namespace, c *Committee, cert *Certificate) error {
	if err := validateCertificateShape(cert); err != nil {
		return err
	}
	if err := c.Verifier.VerifyCertificate(ns.VoteRole(cert.Kind), VotePayload(cert.Kind, cert.View, &cert.Proposal), cert.Signature); err != nil {
		return fmt.Errorf("%s at view %d: %w", cert.Kind.CertificateName(), cert.View, err)
	}
	if cert.Kind.HasSeed() {
		if err := c.Verifier.VerifyCertificate(ns.SeedRole(), SeedPayload(cert.View), cert.Seed); err != nil {
			return fmt.Errorf("%s seed at view %d: %w", cert.Kind.CertificateName(), cert.View, err)
		}
	}
	return nil
}

// Aggregate combines a verified batch into a certificate.
func Aggregate(c *Committee, batch *VerifiedBatch) (*Certificate, error) {
	sigs := make([]threshold.PartialSignature, 0, len(batch.Votes))
	seeds := make([]threshold.PartialSignature, 0, len(batch.Votes))
	for _, v := range batch.Votes {
		index, ok := c.IndexOf(v.Signer)
		if !ok {
			return nil, fmt.Errorf("aggregating %s at view %d: %w", batch.Kind, batch.View, ErrValidationWrongSigner)
		}
		sigs = append(sigs, threshold.PartialSignature{Index: index, Signature: v.Signature})
		seeds = append(seeds, threshold.PartialSignature{Index: index, Signature: v.Seed})
	}
	cert := &Certificate{Kind: batch.Kind, View: batch.View}
	if batch.Kind.HasProposal() {
		cert.Proposal = batch.Proposal
	}
	var err error
	if cert.Signature, err = c.Verifier.Aggregate(sigs); err != nil {
		return nil, fmt.Errorf("aggregating %s at view %d: %w", batch.Kind, batch.View, err)
	}
	if batch.Kind.HasSeed() {
		if cert.Seed, err = c.Verifier.Aggregate(seeds); err != nil {
			return nil, fmt.Errorf("aggregating seed at view %d: %w", batch.View, err)
		}
	}
	return cert, nil
}
