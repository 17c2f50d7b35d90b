package threshold

import (
	"context"
	"fmt"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bls" //nolint:staticcheck
)

// Signer produces partial signatures with a single private share.
type Signer struct {
	scheme sign.Scheme
	share  *share.PriShare
}

func NewSigner(s *Share) (*Signer, error) {
	if s == nil {
		return nil, fmt.Errorf("nil share")
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(s.Value); err != nil {
		return nil, fmt.Errorf("unmarshalling share %d: %w", s.Index, err)
	}
	return &Signer{
		scheme: bls.NewSchemeOnG1(suite),
		share:  &share.PriShare{I: s.Index, V: v},
	}, nil
}

// Index returns the share index of this signer.
func (s *Signer) Index() int { return s.share.I }

// SignPartial signs the payload under the given role with this signer's share.
func (s *Signer) SignPartial(role Role, payload []byte) (PartialSignature, error) {
	sig, err := s.scheme.Sign(s.share.V, role.Message(payload))
	if err != nil {
		return PartialSignature{}, fmt.Errorf("signing partial: %w", err)
	}
	metrics.signed.Add(context.TODO(), 1)
	return PartialSignature{Index: s.share.I, Signature: sig}, nil
}
