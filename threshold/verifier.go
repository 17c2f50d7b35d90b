package threshold

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bls" //nolint:staticcheck
	"github.com/drand/kyber/util/random"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// Max number of verified aggregate signatures remembered.
const maxVerifiedCacheSize = 4096

// Verifier checks partial and aggregate signatures of one dealt key. It is
// immutable after construction and safe for concurrent use.
type Verifier struct {
	scheme    sign.Scheme
	n, t      int
	groupKey  kyber.Point
	shareKeys []kyber.Point

	verified *lru.Cache[[32]byte, struct{}]
}

func NewVerifier(pub *Public) (*Verifier, error) {
	if pub == nil || len(pub.Commits) == 0 {
		return nil, fmt.Errorf("no public commitments")
	}
	if pub.Threshold <= 0 || pub.Threshold > pub.Participants {
		return nil, fmt.Errorf("threshold must be in range [1, %d]: %d", pub.Participants, pub.Threshold)
	}
	if len(pub.Commits) != pub.Threshold {
		return nil, fmt.Errorf("commitment count %d does not match threshold %d", len(pub.Commits), pub.Threshold)
	}
	commits := make([]kyber.Point, len(pub.Commits))
	for i, b := range pub.Commits {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("unmarshalling commitment %d: %w", i, err)
		}
		commits[i] = p
	}
	if commits[0].Equal(suite.G2().Point().Null()) {
		return nil, fmt.Errorf("the group key is a null point")
	}
	pubPoly := share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits)
	shareKeys := make([]kyber.Point, pub.Participants)
	for i := range shareKeys {
		shareKeys[i] = pubPoly.Eval(i).V
	}
	verified, err := lru.New[[32]byte, struct{}](maxVerifiedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		scheme:    bls.NewSchemeOnG1(suite),
		n:         pub.Participants,
		t:         pub.Threshold,
		groupKey:  pubPoly.Commit(),
		shareKeys: shareKeys,
		verified:  verified,
	}, nil
}

// Participants returns the number of shares dealt.
func (v *Verifier) Participants() int { return v.n }

// Threshold returns the number of distinct shares needed to aggregate.
func (v *Verifier) Threshold() int { return v.t }

// VerifyPartial checks a single partial signature against the share key of its
// signer.
func (v *Verifier) VerifyPartial(role Role, payload []byte, p PartialSignature) error {
	metrics.verifyPartial.Add(context.TODO(), 1)
	if p.Index < 0 || p.Index >= v.n {
		return fmt.Errorf("signer index %d out of range: %w", p.Index, ErrInvalidShare)
	}
	if err := v.scheme.Verify(v.shareKeys[p.Index], role.Message(payload), p.Signature); err != nil {
		return fmt.Errorf("signer %d: %v: %w", p.Index, err, ErrInvalidShare)
	}
	return nil
}

// VerifyPartialBatch checks partial signatures over the same payload with a
// single pairing check on a random linear combination of them. When the
// combined check fails every partial is checked on its own. The returned slice
// holds the positions of the invalid partials in ps, in increasing order; it
// is empty when all of them are valid.
func (v *Verifier) VerifyPartialBatch(role Role, payload []byte, ps []PartialSignature) []int {
	switch len(ps) {
	case 0:
		return nil
	case 1:
		if v.VerifyPartial(role, payload, ps[0]) != nil {
			return []int{0}
		}
		return nil
	}
	metrics.verifyBatch.Record(context.TODO(), int64(len(ps)))

	msg := role.Message(payload)
	var invalid []int
	rand := random.New()
	aggSig := suite.G1().Point().Null()
	aggKey := suite.G2().Point().Null()
	for i, p := range ps {
		if p.Index < 0 || p.Index >= v.n {
			invalid = append(invalid, i)
			continue
		}
		sig := suite.G1().Point()
		if err := sig.UnmarshalBinary(p.Signature); err != nil {
			invalid = append(invalid, i)
			continue
		}
		r := suite.G1().Scalar().Pick(rand)
		aggSig = aggSig.Add(aggSig, suite.G1().Point().Mul(r, sig))
		aggKey = aggKey.Add(aggKey, suite.G2().Point().Mul(r, v.shareKeys[p.Index]))
	}
	if len(invalid) == len(ps) {
		return invalid
	}
	aggSigBytes, err := aggSig.MarshalBinary()
	if err == nil && v.scheme.Verify(aggKey, msg, aggSigBytes) == nil {
		return invalid
	}

	metrics.batchFallback.Add(context.TODO(), 1)
	bad := make([]bool, len(ps))
	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for i := range ps {
		eg.Go(func() error {
			if v.VerifyPartial(role, payload, ps[i]) != nil {
				bad[i] = true
			}
			return nil
		})
	}
	_ = eg.Wait()
	invalid = invalid[:0]
	for i, b := range bad {
		if b {
			invalid = append(invalid, i)
		}
	}
	return invalid
}

// Aggregate interpolates exactly threshold partial signatures into a group
// signature. Partials are not verified; callers aggregate only partials they
// have already checked. Supplying more than threshold distinct partials is
// allowed; only the first threshold of them are used.
func (v *Verifier) Aggregate(ps []PartialSignature) ([]byte, error) {
	if len(ps) < v.t {
		return nil, fmt.Errorf("%d of %d: %w", len(ps), v.t, ErrInsufficientShares)
	}
	seen := make(map[int]struct{}, v.t)
	shares := make([]*share.PubShare, 0, v.t)
	for _, p := range ps {
		if p.Index < 0 || p.Index >= v.n {
			return nil, fmt.Errorf("signer index %d out of range: %w", p.Index, ErrInvalidShare)
		}
		if _, dup := seen[p.Index]; dup {
			return nil, fmt.Errorf("signer %d: %w", p.Index, ErrDuplicateShare)
		}
		seen[p.Index] = struct{}{}
		if len(shares) == v.t {
			continue
		}
		sig := suite.G1().Point()
		if err := sig.UnmarshalBinary(p.Signature); err != nil {
			return nil, fmt.Errorf("signer %d: %v: %w", p.Index, err, ErrInvalidShare)
		}
		shares = append(shares, &share.PubShare{I: p.Index, V: sig})
	}
	recovered, err := share.RecoverCommit(suite.G1(), shares, v.t, v.n)
	if err != nil {
		return nil, fmt.Errorf("recovering group signature: %w", err)
	}
	metrics.aggregate.Add(context.TODO(), 1, metric.WithAttributes(attrThreshold.Int(v.t)))
	return recovered.MarshalBinary()
}

// VerifyCertificate checks an aggregate signature against the group key. The
// cost is one pairing check regardless of how many partials formed it.
func (v *Verifier) VerifyCertificate(role Role, payload []byte, sig []byte) error {
	msg := role.Message(payload)
	key := certificateKey(sig, msg)
	if v.verified.Contains(key) {
		metrics.verifyCertificate.Add(context.TODO(), 1, metric.WithAttributes(attrCached.Bool(true)))
		return nil
	}
	metrics.verifyCertificate.Add(context.TODO(), 1, metric.WithAttributes(attrCached.Bool(false)))
	if err := v.scheme.Verify(v.groupKey, msg, sig); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidCertificate)
	}
	v.verified.Add(key, struct{}{})
	return nil
}

// certificateKey identifies a verified (signature, message) pair. The signature
// is length prefixed so that no other split of the same bytes collides.
func certificateKey(sig, msg []byte) [32]byte {
	buf := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(sig)+len(msg)), uint64(len(sig)))
	buf = append(buf, sig...)
	return blake2b.Sum256(append(buf, msg...))
}
