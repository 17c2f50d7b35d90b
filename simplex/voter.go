package simplex

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Voter is the view-based consensus state machine of a single participant.
//
// A voter is not safe for concurrent use: every method must be called from the
// same goroutine, which serializes network input, application completions,
// alarms and backfilled certificates into a single stream of decisions. Every
// decision is made durable through the host journal before it has any
// external effect. An error returned from any method is fatal; once one has
// been returned the voter refuses all further input.
type Voter struct {
	*options
	host Host

	genesis Proposal
	// The view the voter is currently voting in.
	view uint64
	// The highest finalized view, reported in increasing order.
	lastFinalized uint64
	// Views below retainFrom have been pruned.
	retainFrom uint64
	rounds     map[uint64]*round

	started bool
	failed  error
}

// round holds everything the voter knows about one view.
type round struct {
	view   uint64
	leader ParticipantID

	leaderDeadline  time.Time
	advanceDeadline time.Time
	rebroadcasts    int

	// The first proposal received from the leader.
	proposal        *Proposal
	proposeParent   uint64
	proposing       bool
	verifying       bool
	awaitingParents bool

	// Own votes.
	notarize *Vote
	nullify  *Vote
	finalize *Vote

	notarization  *Certificate
	nullification *Certificate
	finalization  *Certificate
}

func (r *round) certificate(kind VoteKind) *Certificate {
	switch kind {
	case KindNotarize:
		return r.notarization
	case KindNullify:
		return r.nullification
	default:
		return r.finalization
	}
}

func (r *round) setCertificate(cert *Certificate) {
	switch cert.Kind {
	case KindNotarize:
		r.notarization = cert
	case KindNullify:
		r.nullification = cert
	default:
		r.finalization = cert
	}
}

func (r *round) setVote(vote *Vote) {
	switch vote.Kind {
	case KindNotarize:
		r.notarize = vote
	case KindNullify:
		r.nullify = vote
	default:
		r.finalize = vote
	}
}

// certified reports whether the view has a notarization or a nullification.
func (r *round) certified() bool {
	return r != nil && (r.notarization != nil || r.nullification != nil)
}

// notarized returns the notarized proposal of the view, if known. A
// finalization implies a notarization of the same proposal.
func (r *round) notarized() (Proposal, bool) {
	switch {
	case r == nil:
		return Proposal{}, false
	case r.notarization != nil:
		return r.notarization.Proposal, true
	case r.finalization != nil:
		return r.finalization.Proposal, true
	}
	return Proposal{}, false
}

func NewVoter(host Host, o ...Option) (*Voter, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Voter{
		options: opts,
		host:    host,
		rounds:  make(map[uint64]*round),
	}, nil
}

// Start replays journal entries persisted by a previous run, then begins
// voting. A voter with an empty journal starts at view 1; view 0 is genesis
// and is implicitly notarized.
func (v *Voter) Start(journal []*JournalEntry) (_err error) {
	defer v.guard(&_err)
	if v.started {
		return errors.New("voter already started")
	}
	v.started = true

	committee, err := v.host.Committee(1)
	if err != nil {
		return fmt.Errorf("loading committee: %w", err)
	}
	index, ok := committee.IndexOf(v.host.ID())
	if !ok {
		return fmt.Errorf("participant %d is not a committee member", v.host.ID())
	}
	if index != v.host.Index() {
		return fmt.Errorf("participant %d holds share %d, expected %d", v.host.ID(), v.host.Index(), index)
	}

	v.genesis = Proposal{Payload: v.host.Genesis()}
	for _, entry := range journal {
		v.replay(entry)
	}
	if v.view == 0 {
		return v.enterView(1)
	}
	v.trace("resumed from journal of %d entries", len(journal))
	return v.resume()
}

func (v *Voter) replay(entry *JournalEntry) {
	switch entry.Kind {
	case EntryEnteredView:
		v.view = max(v.view, entry.View)
	case EntryVote:
		v.round(entry.Vote.View).setVote(entry.Vote)
	case EntryCertificate:
		cert := entry.Certificate
		v.round(cert.View).setCertificate(cert)
		if cert.Kind == KindFinalize {
			v.lastFinalized = max(v.lastFinalized, cert.View)
		}
	}
}

// CurrentView returns the view the voter is voting in.
func (v *Voter) CurrentView() uint64 { return v.view }

// LastFinalized returns the highest finalized view known.
func (v *Voter) LastFinalized() uint64 { return v.lastFinalized }

// ReceiveProposed delivers a payload produced by the application for a view
// this voter leads.
func (v *Voter) ReceiveProposed(view uint64, payload Digest) (_err error) {
	defer v.guard(&_err)
	if v.failed != nil {
		return v.failed
	}
	r := v.rounds[view]
	if view != v.view || r == nil || !r.proposing || r.notarize != nil || r.nullify != nil {
		v.trace("dropped stale proposal payload for view %d", view)
		return nil
	}
	proposal := Proposal{View: view, Parent: r.proposeParent, Payload: payload}
	if _, err := v.cast(r, KindNotarize, proposal); err != nil {
		return err
	}
	r.proposal = &proposal
	v.trace("proposed %s", proposal)
	v.host.Broadcast(&Message{Proposal: v.proposalMessage(r)})
	return nil
}

// ReceiveProposal delivers a proposal whose signatures have been verified.
func (v *Voter) ReceiveProposal(msg *ProposalMessage) (_err error) {
	defer v.guard(&_err)
	if v.failed != nil {
		return v.failed
	}
	if msg.ParentCert != nil {
		if err := v.receiveCertificate(msg.ParentCert, false); err != nil {
			return err
		}
	}
	p := msg.Proposal
	if p.View != v.view {
		v.trace("ignored proposal for view %d", p.View)
		return nil
	}
	r := v.rounds[v.view]
	switch {
	case msg.Signer != r.leader:
		v.trace("ignored proposal from %d, leader is %d", msg.Signer, r.leader)
		return nil
	case r.proposal != nil:
		if *r.proposal != p {
			v.trace("ignored conflicting proposal %s from leader", p)
		}
		return nil
	}
	r.proposal = &p
	v.tryVerify(r)
	return nil
}

// ReceiveVerified delivers the application's verdict on a proposal payload.
func (v *Voter) ReceiveVerified(view uint64, payload Digest, valid bool) (_err error) {
	defer v.guard(&_err)
	if v.failed != nil {
		return v.failed
	}
	r := v.rounds[view]
	if view != v.view || r == nil || !r.verifying || r.proposal == nil || r.proposal.Payload != payload {
		return nil
	}
	if !valid {
		v.trace("application rejected %s", r.proposal)
		return nil
	}
	if r.notarize != nil || r.nullify != nil {
		return nil
	}
	vote, err := v.cast(r, KindNotarize, *r.proposal)
	if err != nil {
		return err
	}
	v.host.Broadcast(&Message{Vote: vote})
	return nil
}

// ReceiveBatch delivers a quorum of verified votes, aggregating them into a
// certificate.
func (v *Voter) ReceiveBatch(batch *VerifiedBatch) (_err error) {
	defer v.guard(&_err)
	if v.failed != nil {
		return v.failed
	}
	if batch.View < v.retainFrom {
		return nil
	}
	if r := v.rounds[batch.View]; r != nil && r.certificate(batch.Kind) != nil {
		return nil
	}
	committee, err := v.host.Committee(batch.View)
	if err != nil {
		return fmt.Errorf("loading committee for view %d: %w", batch.View, err)
	}
	cert, err := Aggregate(committee, batch)
	if err != nil {
		v.trace("dropped batch: %v", err)
		return nil
	}
	return v.receiveCertificate(cert, true)
}

// ReceiveCertificate delivers a certificate whose signatures have been
// verified, whether received from the network or recovered from a peer.
func (v *Voter) ReceiveCertificate(cert *Certificate) (_err error) {
	defer v.guard(&_err)
	if v.failed != nil {
		return v.failed
	}
	return v.receiveCertificate(cert, false)
}

// ReceiveAlarm fires the timers of the current view.
func (v *Voter) ReceiveAlarm() (_err error) {
	defer v.guard(&_err)
	if v.failed != nil {
		return v.failed
	}
	r := v.rounds[v.view]
	if r == nil {
		return nil
	}
	now := v.host.Time()
	if !now.Before(r.leaderDeadline) && r.notarize == nil && r.nullify == nil {
		v.trace("leader %d timed out", r.leader)
		vote, err := v.cast(r, KindNullify, Proposal{})
		if err != nil {
			return err
		}
		v.host.Broadcast(&Message{Vote: vote})
	}
	if !now.Before(r.advanceDeadline) {
		if r.nullify == nil {
			v.trace("view timed out")
			vote, err := v.cast(r, KindNullify, Proposal{})
			if err != nil {
				return err
			}
			v.host.Broadcast(&Message{Vote: vote})
		} else {
			v.rebroadcast(r)
		}
		r.advanceDeadline = now.Add(v.rebroadcastAfter(r.rebroadcasts))
		r.rebroadcasts++
	}
	v.setAlarm(r)
	return nil
}

func (v *Voter) receiveCertificate(cert *Certificate, formed bool) error {
	if cert.View < v.retainFrom {
		return nil
	}
	r := v.round(cert.View)
	if r.certificate(cert.Kind) != nil {
		return nil
	}
	if err := v.journal(&JournalEntry{Kind: EntryCertificate, View: cert.View, Certificate: cert}); err != nil {
		return err
	}
	r.setCertificate(cert)
	v.host.Certified(cert)
	if formed {
		v.host.Broadcast(&Message{Certificate: cert})
	}
	v.trace("holding %s", cert)

	switch cert.Kind {
	case KindNotarize:
		v.host.ReportNotarization(cert)
		if cert.View < v.view {
			break
		}
		var follow VoteKind
		switch {
		case r.notarize == nil || r.nullify != nil:
			return v.advance(cert.View + 1)
		case r.notarize.Proposal == cert.Proposal:
			if r.finalize != nil || r.finalization != nil {
				return v.advance(cert.View + 1)
			}
			follow = KindFinalize
		default:
			// Notarized a proposal other than the one voted for.
			follow = KindNullify
		}
		vote, err := v.cast(r, follow, cert.Proposal)
		if err != nil {
			return err
		}
		v.host.Broadcast(&Message{Vote: vote})
		return v.advance(cert.View + 1)
	case KindNullify:
		v.host.ReportNullification(cert)
		if cert.View >= v.view {
			return v.advance(cert.View + 1)
		}
	case KindFinalize:
		if cert.View > v.lastFinalized {
			v.lastFinalized = cert.View
			v.host.ReportFinalization(cert)
		}
		if cert.View >= v.view && r.notarization == nil {
			v.host.RequestCertificates([]uint64{cert.View})
		}
	}
	v.retryCurrent()
	return nil
}

// advance moves the voter to the given view, asking peers for certificates of
// any views skipped on the way.
func (v *Voter) advance(to uint64) error {
	if to <= v.view {
		return nil
	}
	from := v.view
	if v.maxLookahead > 0 && to-from > v.maxLookahead {
		from = to - v.maxLookahead
	}
	var missing []uint64
	for w := max(from, v.retainFrom, 1); w+1 < to; w++ {
		if !v.rounds[w].certified() {
			missing = append(missing, w)
		}
	}
	if len(missing) > 0 {
		v.trace("requesting %d skipped views from %d to %d", len(missing), missing[0], missing[len(missing)-1])
		v.host.RequestCertificates(missing)
	}
	return v.enterView(to)
}

func (v *Voter) enterView(view uint64) error {
	if err := v.journal(&JournalEntry{Kind: EntryEnteredView, View: view}); err != nil {
		return err
	}
	v.view = view
	return v.resume()
}

// resume arms the timers of the current view and acts on anything already
// known about it.
func (v *Voter) resume() error {
	committee, err := v.host.Committee(v.view)
	if err != nil {
		return fmt.Errorf("loading committee for view %d: %w", v.view, err)
	}
	r := v.round(v.view)
	r.leader = committee.Leader(v.view, v.seed(v.view-1))
	now := v.host.Time()
	r.leaderDeadline = now.Add(v.leaderTimeout)
	r.advanceDeadline = now.Add(v.advanceTimeout)
	r.rebroadcasts = 0

	v.prune()
	v.host.Advanced(v.view, v.retainFrom)
	v.trace("entered view, leader %d", r.leader)
	v.setAlarm(r)
	v.retryCurrent()
	return nil
}

// retryCurrent proposes or verifies in the current view if that was blocked
// on certificates that have since arrived.
func (v *Voter) retryCurrent() {
	r := v.rounds[v.view]
	if r == nil || r.notarize != nil || r.nullify != nil {
		return
	}
	if r.leader == v.host.ID() {
		v.tryPropose(r)
		return
	}
	if r.awaitingParents {
		r.awaitingParents = false
		v.tryVerify(r)
	}
}

func (v *Voter) tryPropose(r *round) {
	if r.proposing || r.notarize != nil || r.nullify != nil {
		return
	}
	parent, ok := v.selectParent(r.view)
	if !ok {
		return
	}
	r.proposing = true
	r.proposeParent = parent.View
	v.host.RequestProposal(ProposalContext{
		View:          r.view,
		Leader:        v.host.ID(),
		Parent:        parent.View,
		ParentPayload: parent.Payload,
	})
}

// selectParent returns the most recent notarized proposal below view such that
// every view in between is nullified. Missing certificates are requested.
func (v *Voter) selectParent(view uint64) (Proposal, bool) {
	var missing []uint64
	for p := view - 1; ; p-- {
		if p == 0 {
			if len(missing) > 0 {
				break
			}
			return v.genesis, true
		}
		r := v.rounds[p]
		if proposal, ok := r.notarized(); ok {
			if len(missing) > 0 {
				break
			}
			return proposal, true
		}
		if r == nil || r.nullification == nil {
			missing = append(missing, p)
		}
		if p <= v.retainFrom || p <= v.lastFinalized {
			break
		}
	}
	if len(missing) > 0 {
		v.host.RequestCertificates(missing)
	}
	return Proposal{}, false
}

// tryVerify checks the ancestry of the leader's proposal and, once every
// certificate it depends on is held, asks the application to verify it.
func (v *Voter) tryVerify(r *round) {
	if r.proposal == nil || r.verifying || r.notarize != nil || r.nullify != nil {
		return
	}
	p := r.proposal
	if p.Parent < v.lastFinalized {
		v.trace("ignored proposal %s building below finalized view %d", p, v.lastFinalized)
		return
	}
	parent := v.genesis
	var missing []uint64
	if p.Parent > 0 {
		var ok bool
		if parent, ok = v.rounds[p.Parent].notarized(); !ok {
			missing = append(missing, p.Parent)
		}
	}
	for w := p.Parent + 1; w < p.View; w++ {
		if skipped := v.rounds[w]; skipped == nil || skipped.nullification == nil {
			missing = append(missing, w)
		}
	}
	if len(missing) > 0 {
		r.awaitingParents = true
		v.host.RequestCertificates(missing)
		return
	}
	r.verifying = true
	v.host.RequestVerification(ProposalContext{
		View:          r.view,
		Leader:        r.leader,
		Parent:        p.Parent,
		ParentPayload: parent.Payload,
	}, p.Payload)
}

// cast signs, persists and records a vote of this participant. The caller
// broadcasts it.
func (v *Voter) cast(r *round, kind VoteKind, proposal Proposal) (*Vote, error) {
	vote, err := SignVote(v.namespace, v.host, v.host.ID(), kind, r.view, proposal)
	if err != nil {
		return nil, v.fail(err)
	}
	if err := v.journal(&JournalEntry{Kind: EntryVote, View: r.view, Vote: vote}); err != nil {
		return nil, err
	}
	r.setVote(vote)
	v.trace("cast %s for %s", kind, proposal)
	return vote, nil
}

// rebroadcast resends this participant's existing votes for the current view,
// the certificate that opened it and any unfinalized finalize vote of the
// previous view. It never creates a vote.
func (v *Voter) rebroadcast(r *round) {
	if prev := v.rounds[r.view-1]; prev != nil {
		if cert := v.entryCertificate(r.view); cert != nil {
			v.host.Broadcast(&Message{Certificate: cert})
		}
		if prev.finalize != nil && prev.finalization == nil {
			v.host.Broadcast(&Message{Vote: prev.finalize})
		}
	}
	if r.notarize != nil {
		if r.leader == v.host.ID() {
			v.host.Broadcast(&Message{Proposal: v.proposalMessage(r)})
		} else {
			v.host.Broadcast(&Message{Vote: r.notarize})
		}
	}
	if r.nullify != nil {
		v.host.Broadcast(&Message{Vote: r.nullify})
	}
	v.trace("rebroadcast own votes")
}

// proposalMessage rebuilds the leader's proposal broadcast from its notarize
// vote.
func (v *Voter) proposalMessage(r *round) *ProposalMessage {
	return &ProposalMessage{
		Proposal:   r.notarize.Proposal,
		Signer:     r.notarize.Signer,
		Signature:  r.notarize.Signature,
		Seed:       r.notarize.Seed,
		ParentCert: v.entryCertificate(r.view),
	}
}

// entryCertificate returns the certificate of the view before the given one,
// preferring a notarization.
func (v *Voter) entryCertificate(view uint64) *Certificate {
	prev := v.rounds[view-1]
	switch {
	case view <= 1 || prev == nil:
		return nil
	case prev.notarization != nil:
		return prev.notarization
	default:
		return prev.nullification
	}
}

// seed returns the group seed signature produced in the given view.
func (v *Voter) seed(view uint64) []byte {
	r := v.rounds[view]
	switch {
	case view == 0 || r == nil:
		return nil
	case r.notarization != nil:
		return r.notarization.Seed
	case r.nullification != nil:
		return r.nullification.Seed
	}
	return nil
}

func (v *Voter) setAlarm(r *round) {
	if r.notarize == nil && r.nullify == nil && r.leaderDeadline.Before(r.advanceDeadline) {
		v.host.SetAlarm(r.leaderDeadline)
		return
	}
	v.host.SetAlarm(r.advanceDeadline)
}

func (v *Voter) round(view uint64) *round {
	r, ok := v.rounds[view]
	if !ok {
		r = &round{view: view}
		v.rounds[view] = r
	}
	return r
}

// prune drops views that are more than the activity timeout below both the
// current view and the last finalized view.
func (v *Voter) prune() {
	floor := min(v.lastFinalized, v.view-1)
	if floor <= v.activityTimeout {
		return
	}
	retainFrom := floor - v.activityTimeout
	if retainFrom <= v.retainFrom {
		return
	}
	for view := range v.rounds {
		if view < retainFrom {
			delete(v.rounds, view)
		}
	}
	v.retainFrom = retainFrom
}

func (v *Voter) journal(entry *JournalEntry) error {
	if err := v.host.Append(entry); err != nil {
		return v.fail(fmt.Errorf("%w: %w", ErrJournal, err))
	}
	return nil
}

func (v *Voter) fail(err error) error {
	if v.failed == nil {
		v.failed = err
	}
	return v.failed
}

func (v *Voter) guard(err *error) {
	if r := recover(); r != nil {
		*err = v.fail(newPanicError(r))
	}
}

func (v *Voter) trace(format string, args ...any) {
	if v.tracer != nil {
		v.tracer.Log("{%d} v%d: "+format, append([]any{v.host.ID(), v.view}, args...)...)
	}
}

// Snapshot is a copy of the durable state of a voter.
type Snapshot struct {
	View          uint64
	LastFinalized uint64
	Votes         []*Vote
	Certificates  []*Certificate
}

// Snapshot returns the current view, the votes cast and the certificates held,
// ordered by view and kind.
func (v *Voter) Snapshot() Snapshot {
	s := Snapshot{View: v.view, LastFinalized: v.lastFinalized}
	views := make([]uint64, 0, len(v.rounds))
	for view := range v.rounds {
		views = append(views, view)
	}
	slices.Sort(views)
	for _, view := range views {
		r := v.rounds[view]
		for _, vote := range []*Vote{r.notarize, r.nullify, r.finalize} {
			if vote != nil {
				s.Votes = append(s.Votes, vote)
			}
		}
		for _, cert := range []*Certificate{r.notarization, r.nullification, r.finalization} {
			if cert != nil {
				s.Certificates = append(s.Certificates, cert)
			}
		}
	}
	return s
}
