package simplex

import (
	"errors"
	"fmt"
)

// Conflict returns the kind of equivocation two votes from the same signer in
// the same view amount to, if any.
func Conflict(a, b *Vote) (EvidenceKind, bool) {
	if a.Signer != b.Signer || a.View != b.View {
		return 0, false
	}
	switch {
	case a.Kind == KindNotarize && b.Kind == KindNotarize && a.Proposal != b.Proposal:
		return ConflictingNotarize, true
	case a.Kind == KindFinalize && b.Kind == KindFinalize && a.Proposal != b.Proposal:
		return ConflictingFinalize, true
	case a.Kind == KindNullify && b.Kind == KindFinalize,
		a.Kind == KindFinalize && b.Kind == KindNullify:
		return NullifyFinalize, true
	}
	return 0, false
}

// NewEvidence returns evidence of the conflict between two votes, or nil if
// they do not conflict.
func NewEvidence(a, b *Vote) *Evidence {
	kind, ok := Conflict(a, b)
	if !ok {
		return nil
	}
	return &Evidence{Kind: kind, First: a, Second: b}
}

// Verify checks that the evidence holds two validly signed votes that conflict
// as claimed.
func (e *Evidence) Verify(ns Namespace, c *Committee) error {
	if e.First == nil || e.Second == nil {
		return errors.New("evidence missing a vote")
	}
	kind, ok := Conflict(e.First, e.Second)
	if !ok || kind != e.Kind {
		return fmt.Errorf("votes do not amount to %s", e.Kind)
	}
	if err := VerifyVote(ns, c, e.First); err != nil {
		return fmt.Errorf("first vote: %w", err)
	}
	if err := VerifyVote(ns, c, e.Second); err != nil {
		return fmt.Errorf("second vote: %w", err)
	}
	return nil
}
