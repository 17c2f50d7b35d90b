package simplex

import "fmt"

// ValidateMessage checks the shape of a message and that its signer belongs to
// the committee. Signatures are not checked here.
func ValidateMessage(c *Committee, msg *Message) error {
	set := 0
	if msg.Proposal != nil {
		set++
	}
	if msg.Vote != nil {
		set++
	}
	if msg.Certificate != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("message must carry exactly one body, got %d: %w", set, ErrValidationInvalid)
	}

	switch {
	case msg.Proposal != nil:
		return validateProposalShape(c, msg.Proposal)
	case msg.Vote != nil:
		return ValidateVote(c, msg.Vote)
	default:
		return validateCertificateShape(msg.Certificate)
	}
}

// ValidateVote checks the shape of a vote and that its signer belongs to the
// committee.
func ValidateVote(c *Committee, v *Vote) error {
	if _, ok := c.IndexOf(v.Signer); !ok {
		return fmt.Errorf("signer %d: %w", v.Signer, ErrValidationWrongSigner)
	}
	switch {
	case v.View == 0:
		return fmt.Errorf("vote for genesis view: %w", ErrValidationInvalid)
	case v.Kind > KindFinalize:
		return fmt.Errorf("unknown vote kind %d: %w", v.Kind, ErrValidationInvalid)
	case len(v.Signature) == 0:
		return fmt.Errorf("vote without signature: %w", ErrValidationInvalid)
	case v.Kind.HasSeed() && len(v.Seed) == 0:
		return fmt.Errorf("%s vote without seed: %w", v.Kind, ErrValidationInvalid)
	case !v.Kind.HasSeed() && len(v.Seed) != 0:
		return fmt.Errorf("%s vote with seed: %w", v.Kind, ErrValidationInvalid)
	case v.Kind.HasProposal() && !validProposal(&v.Proposal, v.View):
		return fmt.Errorf("%s vote with invalid proposal %s: %w", v.Kind, v.Proposal, ErrValidationInvalid)
	case !v.Kind.HasProposal() && v.Proposal != (Proposal{}):
		return fmt.Errorf("%s vote with proposal: %w", v.Kind, ErrValidationInvalid)
	}
	return nil
}

func validProposal(p *Proposal, view uint64) bool {
	return p.View == view && p.Parent < p.View
}

func validateProposalShape(c *Committee, m *ProposalMessage) error {
	if err := ValidateVote(c, m.Vote()); err != nil {
		return err
	}
	view := m.Proposal.View
	switch {
	case view == 1 && m.ParentCert != nil:
		return fmt.Errorf("first proposal with parent certificate: %w", ErrValidationInvalid)
	case view > 1 && m.ParentCert == nil:
		return fmt.Errorf("proposal without parent certificate: %w", ErrValidationInvalid)
	case m.ParentCert == nil:
		return nil
	case m.ParentCert.View != view-1 || m.ParentCert.Kind == KindFinalize:
		return fmt.Errorf("parent certificate %s does not certify the previous view: %w", m.ParentCert, ErrValidationInvalid)
	case m.ParentCert.Kind == KindNotarize && m.Proposal.Parent != view-1:
		return fmt.Errorf("proposal parent %d skips notarized view %d: %w", m.Proposal.Parent, view-1, ErrValidationInvalid)
	}
	return validateCertificateShape(m.ParentCert)
}

func validateCertificateShape(cert *Certificate) error {
	switch {
	case cert.View == 0:
		return fmt.Errorf("certificate for genesis view: %w", ErrValidationInvalid)
	case cert.Kind > KindFinalize:
		return fmt.Errorf("unknown certificate kind %d: %w", cert.Kind, ErrValidationInvalid)
	case len(cert.Signature) == 0:
		return fmt.Errorf("certificate without signature: %w", ErrValidationInvalid)
	case cert.Kind.HasSeed() && len(cert.Seed) == 0:
		return fmt.Errorf("%s without seed: %w", cert.Kind.CertificateName(), ErrValidationInvalid)
	case !cert.Kind.HasSeed() && len(cert.Seed) != 0:
		return fmt.Errorf("%s with seed: %w", cert.Kind.CertificateName(), ErrValidationInvalid)
	case cert.Kind.HasProposal() && !validProposal(&cert.Proposal, cert.View):
		return fmt.Errorf("%s with invalid proposal %s: %w", cert.Kind.CertificateName(), cert.Proposal, ErrValidationInvalid)
	case !cert.Kind.HasProposal() && cert.Proposal != (Proposal{}):
		return fmt.Errorf("%s with proposal: %w", cert.Kind.CertificateName(), ErrValidationInvalid)
	}
	return nil
}
