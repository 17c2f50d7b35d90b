package sim

import (
	"fmt"
	"slices"

	"github.com/filecoin-project/go-tsimplex/simplex"
)

// DecisionLog receives and validates the certificates reported by honest
// participants.
type DecisionLog struct {
	namespace  simplex.Namespace
	supervisor simplex.Supervisor

	// Finalizations reported by each participant, in the order reported.
	finalizations map[simplex.ParticipantID][]*simplex.Certificate
	// The proposal notarized or finalized at each view, across participants.
	notarized map[uint64]simplex.Proposal
	// The seed of each certified view, from which leaders are derived.
	seeds     map[uint64][]byte
	nullified map[uint64]struct{}
	evidence  map[simplex.ParticipantID][]*simplex.Evidence
	err       error
}

func newDecisionLog(ns simplex.Namespace, supervisor simplex.Supervisor) *DecisionLog {
	return &DecisionLog{
		namespace:     ns,
		supervisor:    supervisor,
		finalizations: make(map[simplex.ParticipantID][]*simplex.Certificate),
		notarized:     make(map[uint64]simplex.Proposal),
		seeds:         make(map[uint64][]byte),
		nullified:     make(map[uint64]struct{}),
		evidence:      make(map[simplex.ParticipantID][]*simplex.Evidence),
	}
}

// ReceiveCertificate records a notarization or nullification reported by a
// participant.
func (dl *DecisionLog) ReceiveCertificate(id simplex.ParticipantID, cert *simplex.Certificate) {
	if !dl.verify(id, cert) {
		return
	}
	dl.seeds[cert.View] = cert.Seed
	switch cert.Kind {
	case simplex.KindNotarize:
		dl.notarize(id, cert)
	case simplex.KindNullify:
		dl.nullified[cert.View] = struct{}{}
	}
}

// ReceiveFinalization records a finalization reported by a participant, which
// must be above every finalization it reported before.
func (dl *DecisionLog) ReceiveFinalization(id simplex.ParticipantID, cert *simplex.Certificate) {
	if !dl.verify(id, cert) {
		return
	}
	previous := dl.finalizations[id]
	if n := len(previous); n > 0 && previous[n-1].View >= cert.View {
		dl.fail(fmt.Errorf("participant %d reported finalization at view %d after view %d", id, cert.View, previous[n-1].View))
		return
	}
	dl.finalizations[id] = append(previous, cert)
	dl.notarize(id, cert)
}

func (dl *DecisionLog) ReceiveEvidence(id simplex.ParticipantID, evidence *simplex.Evidence) {
	committee, err := dl.supervisor.Committee(evidence.First.View)
	if err == nil {
		err = evidence.Verify(dl.namespace, committee)
	}
	if err != nil {
		dl.fail(fmt.Errorf("participant %d reported invalid %s evidence: %w", id, evidence.Kind, err))
		return
	}
	dl.evidence[id] = append(dl.evidence[id], evidence)
}

func (dl *DecisionLog) notarize(id simplex.ParticipantID, cert *simplex.Certificate) {
	if existing, ok := dl.notarized[cert.View]; ok && existing != cert.Proposal {
		dl.fail(fmt.Errorf("participant %d reported %s conflicting with %s", id, cert, existing))
		return
	}
	dl.notarized[cert.View] = cert.Proposal
}

func (dl *DecisionLog) verify(id simplex.ParticipantID, cert *simplex.Certificate) bool {
	committee, err := dl.supervisor.Committee(cert.View)
	if err == nil {
		err = simplex.VerifyCertificate(dl.namespace, committee, cert)
	}
	if err != nil {
		dl.fail(fmt.Errorf("participant %d reported invalid %s: %w", id, cert, err))
		return false
	}
	return true
}

func (dl *DecisionLog) fail(err error) {
	if dl.err == nil {
		dl.err = err
	}
}

// Verify checks that no conflicting certificates were reported, and that the
// proposals finalized by every participant form a single chain: each
// finalized proposal descends from the one finalized before it.
func (dl *DecisionLog) Verify() error {
	if dl.err != nil {
		return dl.err
	}
	finalized := make(map[uint64]simplex.Proposal)
	for _, certs := range dl.finalizations {
		for _, cert := range certs {
			finalized[cert.View] = cert.Proposal
		}
	}
	views := make([]uint64, 0, len(finalized))
	for view := range finalized {
		views = append(views, view)
	}
	slices.Sort(views)
	var previous uint64
	for _, view := range views {
		if err := dl.descends(finalized[view], previous); err != nil {
			return err
		}
		previous = view
	}
	return nil
}

// descends checks that the ancestry of a proposal passes through the given
// view. Ancestors whose notarization was never reported end the walk.
func (dl *DecisionLog) descends(p simplex.Proposal, ancestor uint64) error {
	for p.Parent > ancestor {
		if _, ok := dl.nullified[p.Parent]; ok && !dl.isNotarized(p.Parent) {
			return fmt.Errorf("%s extends nullified view %d", p, p.Parent)
		}
		parent, ok := dl.notarized[p.Parent]
		if !ok {
			return nil
		}
		p = parent
	}
	if p.Parent < ancestor {
		return fmt.Errorf("%s skips finalized view %d", p, ancestor)
	}
	return nil
}

func (dl *DecisionLog) isNotarized(view uint64) bool {
	_, ok := dl.notarized[view]
	return ok
}

// LastFinalized returns the highest view a participant reported finalized.
func (dl *DecisionLog) LastFinalized(id simplex.ParticipantID) uint64 {
	certs := dl.finalizations[id]
	if len(certs) == 0 {
		return 0
	}
	return certs[len(certs)-1].View
}

// Finalizations returns the finalizations a participant reported, in order.
func (dl *DecisionLog) Finalizations(id simplex.ParticipantID) []*simplex.Certificate {
	return dl.finalizations[id]
}

// Notarized returns the proposal notarized at a view, if any participant
// reported one.
func (dl *DecisionLog) Notarized(view uint64) (simplex.Proposal, bool) {
	p, ok := dl.notarized[view]
	return p, ok
}

func (dl *DecisionLog) Nullified(view uint64) bool {
	_, ok := dl.nullified[view]
	return ok
}

// Leader returns the leader of a view as derived from the seed of the
// previous view, if that view was reported certified.
func (dl *DecisionLog) Leader(view uint64) (simplex.ParticipantID, bool) {
	committee, err := dl.supervisor.Committee(view)
	if err != nil {
		return 0, false
	}
	if view <= 1 {
		return committee.Leader(view, nil), true
	}
	seed, ok := dl.seeds[view-1]
	if !ok {
		return 0, false
	}
	return committee.Leader(view, seed), true
}

func (dl *DecisionLog) Evidence(id simplex.ParticipantID) []*simplex.Evidence {
	return dl.evidence[id]
}
