// Package batcher collects votes from the network into groups that share a
// signed payload and verifies each group with a single aggregate check once it
// can form a quorum.
package batcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-tsimplex/internal/clock"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("tsimplex/batcher")

// maxVotesPerSlot bounds how many distinct votes of one kind a signer may have
// held for one view. Two suffice to prove equivocation. Unverified votes that
// would overflow a slot are checked individually first, so forgeries in a
// signer's name cannot keep its genuine vote out.
const maxVotesPerSlot = 2

// Output is a result handed from the batcher to the voter. Exactly one field
// is set.
type Output struct {
	Batch       *simplex.VerifiedBatch
	Proposal    *simplex.ProposalMessage
	Certificate *simplex.Certificate
	Evidence    *simplex.Evidence
	Fault       *simplex.Fault
}

type submission struct {
	own         bool
	vote        *simplex.Vote
	proposal    *simplex.ProposalMessage
	certificate *simplex.Certificate
}

func (s submission) view() uint64 {
	switch {
	case s.vote != nil:
		return s.vote.View
	case s.proposal != nil:
		return s.proposal.Proposal.View
	default:
		return s.certificate.View
	}
}

func (s submission) attr() attribute.KeyValue {
	switch {
	case s.vote != nil:
		return attrSubmission.String("vote")
	case s.proposal != nil:
		return attrSubmission.String("proposal")
	default:
		return attrSubmission.String("certificate")
	}
}

type groupKey struct {
	view   uint64
	kind   simplex.VoteKind
	digest simplex.Digest
}

type certKey struct {
	view uint64
	kind simplex.VoteKind
}

type slotKey struct {
	view   uint64
	kind   simplex.VoteKind
	signer simplex.ParticipantID
}

type signerView struct {
	view   uint64
	signer simplex.ParticipantID
}

// group holds the votes for one (view, kind, proposal), keyed by committee
// index.
type group struct {
	key      groupKey
	proposal simplex.Proposal
	pending  map[int]*simplex.Vote
	verified map[int]*simplex.Vote
	emitted  bool
}

// Batcher verifies votes, proposals and certificates on behalf of a voter.
// Submit methods never block and may be called from any goroutine; all other
// work happens on the goroutine calling Run.
type Batcher struct {
	*options
	supervisor simplex.Supervisor

	inbox   chan submission
	outputs chan Output
	running atomic.Bool

	mu         sync.Mutex
	certified  map[certKey]struct{}
	retainFrom uint64

	// Owned by Run.
	groups map[groupKey]*group
	ready  map[groupKey]struct{}
	load   map[slotKey][]groupKey
	signed map[signerView][]*simplex.Vote
	pruned uint64
	out    []Output
}

func New(supervisor simplex.Supervisor, o ...Option) (*Batcher, error) {
	if supervisor == nil {
		return nil, errors.New("supervisor must be set")
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Batcher{
		options:    opts,
		supervisor: supervisor,
		inbox:      make(chan submission, opts.inboxSize),
		outputs:    make(chan Output, opts.outputSize),
		certified:  make(map[certKey]struct{}),
		groups:     make(map[groupKey]*group),
		ready:      make(map[groupKey]struct{}),
		load:       make(map[slotKey][]groupKey),
		signed:     make(map[signerView][]*simplex.Vote),
	}, nil
}

// Outputs returns the channel verified results are delivered on. It is closed
// when Run returns.
func (b *Batcher) Outputs() <-chan Output { return b.outputs }

// Submit queues a vote received from the network. It returns false if the
// vote was dropped because the inbox is full.
func (b *Batcher) Submit(vote *simplex.Vote) bool {
	return b.submit(submission{vote: vote})
}

// SubmitProposal queues a proposal received from the network.
func (b *Batcher) SubmitProposal(msg *simplex.ProposalMessage) bool {
	return b.submit(submission{proposal: msg})
}

// SubmitCertificate queues a certificate received from the network.
func (b *Batcher) SubmitCertificate(cert *simplex.Certificate) bool {
	return b.submit(submission{certificate: cert})
}

// SubmitOwn queues a message broadcast by the local voter. Its signatures are
// trusted. Own proposals and certificates produce no output, since the voter
// already holds them.
func (b *Batcher) SubmitOwn(msg *simplex.Message) bool {
	return b.submit(submission{own: true, vote: msg.Vote, proposal: msg.Proposal, certificate: msg.Certificate})
}

func (b *Batcher) submit(s submission) bool {
	select {
	case b.inbox <- s:
		return true
	default:
		metrics.submitted.Add(context.TODO(), 1, metric.WithAttributes(s.attr(), attrStatusDropped))
		log.Warnw("Inbox full, dropped submission.", "view", s.view())
		return false
	}
}

// Certified discards any group for the given view and kind, since a
// certificate for it is already held.
func (b *Batcher) Certified(view uint64, kind simplex.VoteKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if view >= b.retainFrom {
		b.certified[certKey{view: view, kind: kind}] = struct{}{}
	}
}

// Advance discards everything held for views below retainFrom.
func (b *Batcher) Advance(retainFrom uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retainFrom = max(b.retainFrom, retainFrom)
}

func (b *Batcher) stale(view uint64, kind simplex.VoteKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if view < b.retainFrom {
		return true
	}
	_, done := b.certified[certKey{view: view, kind: kind}]
	return done
}

// Run processes submissions until ctx is cancelled. Submissions are drained
// from the inbox in batches of up to the configured size, or for up to the
// configured timeout, after which every group that can form a quorum is
// verified.
func (b *Batcher) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("batcher already running")
	}
	defer close(b.outputs)
	clk := clock.GetClock(ctx)

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return nil
		case s := <-b.inbox:
			b.handle(s)
		}
		deadline := clk.Now().Add(b.batchTimeout)
	drain:
		for n := 1; n < b.batchSize && clk.Now().Before(deadline); n++ {
			select {
			case s := <-b.inbox:
				b.handle(s)
			default:
				break drain
			}
		}
		b.verifyReady()
		b.prune()
		if !b.flush(ctx) {
			return nil
		}
	}
	return nil
}

func (b *Batcher) flush(ctx context.Context) bool {
	defer func() {
		clear(b.out)
		b.out = b.out[:0]
	}()
	for _, out := range b.out {
		select {
		case b.outputs <- out:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (b *Batcher) handle(s submission) {
	status := attrStatusAccepted
	switch {
	case s.vote != nil:
		status = b.handleVote(s.vote, s.own)
	case s.proposal != nil:
		status = b.handleProposal(s.proposal, s.own)
	case s.certificate != nil:
		status = b.handleCertificate(s.certificate, s.own)
	default:
		return
	}
	metrics.submitted.Add(context.TODO(), 1, metric.WithAttributes(s.attr(), status))
}

func (b *Batcher) handleVote(vote *simplex.Vote, own bool) attribute.KeyValue {
	if b.stale(vote.View, vote.Kind) {
		return attrStatusStale
	}
	committee, err := b.supervisor.Committee(vote.View)
	if err != nil {
		log.Debugw("No committee for vote.", "view", vote.View, "err", err)
		return attrStatusInvalid
	}
	if err := simplex.ValidateVote(committee, vote); err != nil {
		log.Debugw("Dropped invalid vote.", "view", vote.View, "signer", vote.Signer, "err", err)
		return attrStatusInvalid
	}
	index, _ := committee.IndexOf(vote.Signer)
	g := b.group(vote.Kind, vote.View, vote.Proposal)
	if _, ok := g.verified[index]; ok {
		return attrStatusDuplicate
	}
	if own {
		b.dropPending(g, index)
		b.accept(g, index, vote)
		b.maybeEmit(committee, g)
		return attrStatusAccepted
	}
	if g.emitted {
		return attrStatusDuplicate
	}
	if prior, ok := g.pending[index]; ok {
		// A second, different vote for the same payload means at most one of
		// the two is genuine.
		if prior.Equal(vote) || b.verifyPending(committee, g, index) {
			return attrStatusDuplicate
		}
	}
	slot := slotKey{view: vote.View, kind: vote.Kind, signer: vote.Signer}
	if !b.reserve(committee, slot, g.key) {
		return attrStatusDropped
	}
	g.pending[index] = vote
	if len(g.pending)+len(g.verified) >= committee.Quorum {
		b.ready[g.key] = struct{}{}
	}
	return attrStatusAccepted
}

func (b *Batcher) handleProposal(msg *simplex.ProposalMessage, own bool) attribute.KeyValue {
	vote := msg.Vote()
	committee, err := b.supervisor.Committee(vote.View)
	if err != nil {
		log.Debugw("No committee for proposal.", "view", vote.View, "err", err)
		return attrStatusInvalid
	}
	if b.known(vote) {
		// Rebroadcast proposals are passed on again for voters that were
		// behind when the first copy arrived, minus the unverified parent.
		if !own && !b.stale(vote.View, vote.Kind) {
			resent := *msg
			resent.ParentCert = nil
			b.out = append(b.out, Output{Proposal: &resent})
		}
		return attrStatusDuplicate
	}
	if vote.View < b.retention() {
		return attrStatusStale
	}
	if !own {
		if err := simplex.ValidateMessage(committee, &simplex.Message{Proposal: msg}); err != nil {
			log.Debugw("Dropped invalid proposal.", "view", vote.View, "signer", vote.Signer, "err", err)
			return attrStatusInvalid
		}
		if err := simplex.VerifyVote(b.namespace, committee, vote); err != nil {
			log.Debugw("Dropped mis-signed proposal.", "view", vote.View, "signer", vote.Signer, "err", err)
			index, _ := committee.IndexOf(vote.Signer)
			b.fault(vote.View, simplex.KindNotarize, []uint64{uint64(index)})
			return attrStatusInvalid
		}
		if parent := msg.ParentCert; parent != nil && !b.stale(parent.View, parent.Kind) {
			if err := b.verifyCertificate(parent); err != nil {
				log.Debugw("Dropped proposal with invalid parent certificate.", "view", vote.View, "err", err)
				return attrStatusInvalid
			}
		}
		b.out = append(b.out, Output{Proposal: msg})
	}
	if !b.stale(vote.View, vote.Kind) {
		index, _ := committee.IndexOf(vote.Signer)
		g := b.group(vote.Kind, vote.View, vote.Proposal)
		if _, ok := g.verified[index]; !ok {
			b.dropPending(g, index)
			b.accept(g, index, vote)
			b.maybeEmit(committee, g)
		}
	}
	return attrStatusAccepted
}

func (b *Batcher) handleCertificate(cert *simplex.Certificate, own bool) attribute.KeyValue {
	if b.stale(cert.View, cert.Kind) {
		return attrStatusDuplicate
	}
	if !own {
		if err := b.verifyCertificate(cert); err != nil {
			log.Debugw("Dropped invalid certificate.", "view", cert.View, "kind", cert.Kind, "err", err)
			return attrStatusInvalid
		}
		b.out = append(b.out, Output{Certificate: cert})
	}
	b.Certified(cert.View, cert.Kind)
	return attrStatusAccepted
}

func (b *Batcher) verifyCertificate(cert *simplex.Certificate) error {
	committee, err := b.supervisor.Committee(cert.View)
	if err != nil {
		return err
	}
	return simplex.VerifyCertificate(b.namespace, committee, cert)
}

func (b *Batcher) retention() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retainFrom
}

// known reports whether an identical vote has already been verified.
func (b *Batcher) known(vote *simplex.Vote) bool {
	for _, prior := range b.signed[signerView{view: vote.View, signer: vote.Signer}] {
		if prior.Equal(vote) {
			return true
		}
	}
	return false
}

func (b *Batcher) group(kind simplex.VoteKind, view uint64, proposal simplex.Proposal) *group {
	key := groupKey{view: view, kind: kind}
	if kind.HasProposal() {
		key.digest = proposal.Digest()
	}
	g, ok := b.groups[key]
	if !ok {
		g = &group{
			key:      key,
			proposal: proposal,
			pending:  make(map[int]*simplex.Vote),
			verified: make(map[int]*simplex.Vote),
		}
		if !kind.HasProposal() {
			g.proposal = simplex.Proposal{}
		}
		b.groups[key] = g
		metrics.pendingGroups.Add(context.TODO(), 1)
	}
	return g
}

// accept records a verified vote, reporting any equivocation it reveals.
func (b *Batcher) accept(g *group, index int, vote *simplex.Vote) {
	g.verified[index] = vote
	sv := signerView{view: vote.View, signer: vote.Signer}
	if b.known(vote) {
		return
	}
	for _, prior := range b.signed[sv] {
		if evidence := simplex.NewEvidence(prior, vote); evidence != nil {
			log.Infow("Detected equivocation.", "view", vote.View, "signer", vote.Signer, "kind", evidence.Kind)
			metrics.evidence.Add(context.TODO(), 1, metric.WithAttributes(attrKind.String(evidence.Kind.String())))
			b.out = append(b.out, Output{Evidence: evidence})
		}
	}
	b.signed[sv] = append(b.signed[sv], vote)
}

func (b *Batcher) verifyReady() {
	for key := range b.ready {
		delete(b.ready, key)
		g, ok := b.groups[key]
		if !ok || g.emitted || len(g.pending) == 0 || b.stale(key.view, key.kind) {
			continue
		}
		committee, err := b.supervisor.Committee(key.view)
		if err != nil {
			continue
		}
		b.verifyGroup(committee, g)
		b.maybeEmit(committee, g)
	}
}

// verifyGroup checks every pending vote of a group at once, isolating the
// signers whose partial signatures are invalid. Their slots are freed so that
// a genuine vote from the same signer is still accepted.
func (b *Batcher) verifyGroup(committee *simplex.Committee, g *group) {
	indices := make([]int, 0, len(g.pending))
	for index := range g.pending {
		indices = append(indices, index)
	}
	slices.Sort(indices)

	sigs := make([]threshold.PartialSignature, len(indices))
	seeds := make([]threshold.PartialSignature, len(indices))
	for i, index := range indices {
		vote := g.pending[index]
		sigs[i] = threshold.PartialSignature{Index: index, Signature: vote.Signature}
		seeds[i] = threshold.PartialSignature{Index: index, Signature: vote.Seed}
	}
	kind, view := g.key.kind, g.key.view
	invalid := make(map[int]struct{})
	for _, pos := range committee.Verifier.VerifyPartialBatch(b.namespace.VoteRole(kind), simplex.VotePayload(kind, view, &g.proposal), sigs) {
		invalid[indices[pos]] = struct{}{}
	}
	if kind.HasSeed() {
		for _, pos := range committee.Verifier.VerifyPartialBatch(b.namespace.SeedRole(), simplex.SeedPayload(view), seeds) {
			invalid[indices[pos]] = struct{}{}
		}
	}

	var faulty []uint64
	for _, index := range indices {
		vote := g.pending[index]
		delete(g.pending, index)
		if _, bad := invalid[index]; bad {
			faulty = append(faulty, uint64(index))
			b.release(slotKey{view: view, kind: kind, signer: vote.Signer}, g.key)
			log.Debugw("Invalid partial signature.", "view", view, "kind", kind, "signer", vote.Signer)
			continue
		}
		b.accept(g, index, vote)
	}
	if len(faulty) > 0 {
		b.fault(view, kind, faulty)
	}
}

// reserve charges a vote of the given group to the signer's slot. A full slot
// has its unverified votes checked one by one; invalid ones are evicted to make
// room.
func (b *Batcher) reserve(committee *simplex.Committee, slot slotKey, key groupKey) bool {
	if len(b.load[slot]) >= maxVotesPerSlot {
		index, _ := committee.IndexOf(slot.signer)
		for _, held := range slices.Clone(b.load[slot]) {
			g, ok := b.groups[held]
			if !ok {
				b.release(slot, held)
				continue
			}
			if _, pending := g.pending[index]; pending {
				b.verifyPending(committee, g, index)
			}
		}
		if len(b.load[slot]) >= maxVotesPerSlot {
			return false
		}
	}
	b.load[slot] = append(b.load[slot], key)
	return true
}

func (b *Batcher) release(slot slotKey, key groupKey) {
	held := b.load[slot]
	if i := slices.Index(held, key); i >= 0 {
		held = slices.Delete(held, i, i+1)
	}
	if len(held) == 0 {
		delete(b.load, slot)
		return
	}
	b.load[slot] = held
}

// dropPending discards an unverified vote superseded by a trusted one.
func (b *Batcher) dropPending(g *group, index int) {
	if vote, ok := g.pending[index]; ok {
		delete(g.pending, index)
		b.release(slotKey{view: vote.View, kind: vote.Kind, signer: vote.Signer}, g.key)
	}
}

// verifyPending checks a single pending vote right away. A valid vote is
// accepted into its group, an invalid one is evicted and its slot freed.
func (b *Batcher) verifyPending(committee *simplex.Committee, g *group, index int) bool {
	vote := g.pending[index]
	delete(g.pending, index)
	if err := simplex.VerifyVote(b.namespace, committee, vote); err != nil {
		log.Debugw("Evicted invalid vote.", "view", vote.View, "kind", vote.Kind, "signer", vote.Signer, "err", err)
		b.release(slotKey{view: vote.View, kind: vote.Kind, signer: vote.Signer}, g.key)
		b.fault(vote.View, vote.Kind, []uint64{uint64(index)})
		return false
	}
	b.accept(g, index, vote)
	b.maybeEmit(committee, g)
	return true
}

func (b *Batcher) fault(view uint64, kind simplex.VoteKind, indices []uint64) {
	metrics.invalidSigners.Add(context.TODO(), int64(len(indices)), metric.WithAttributes(attrKind.String(kind.String())))
	b.out = append(b.out, Output{Fault: &simplex.Fault{
		View:    view,
		Kind:    kind,
		Signers: bitfield.NewFromSet(indices),
	}})
}

func (b *Batcher) maybeEmit(committee *simplex.Committee, g *group) {
	if g.emitted || len(g.verified) < committee.Quorum || b.stale(g.key.view, g.key.kind) {
		return
	}
	indices := make([]int, 0, len(g.verified))
	for index := range g.verified {
		indices = append(indices, index)
	}
	slices.Sort(indices)
	batch := &simplex.VerifiedBatch{Kind: g.key.kind, View: g.key.view, Proposal: g.proposal}
	for _, index := range indices {
		batch.Votes = append(batch.Votes, g.verified[index])
	}
	g.emitted = true
	metrics.verifiedGroups.Add(context.TODO(), 1, metric.WithAttributes(attrKind.String(g.key.kind.String())))
	b.out = append(b.out, Output{Batch: batch})
}

// prune drops groups below the retention floor, and groups whose view and
// kind have been certified.
func (b *Batcher) prune() {
	b.mu.Lock()
	retainFrom := b.retainFrom
	for key := range b.certified {
		if key.view < retainFrom {
			delete(b.certified, key)
		}
	}
	b.mu.Unlock()

	for key := range b.groups {
		if key.view < retainFrom || b.stale(key.view, key.kind) {
			delete(b.groups, key)
			delete(b.ready, key)
			metrics.pendingGroups.Add(context.TODO(), -1)
		}
	}
	if retainFrom <= b.pruned {
		return
	}
	b.pruned = retainFrom
	for key := range b.load {
		if key.view < retainFrom {
			delete(b.load, key)
		}
	}
	for key := range b.signed {
		if key.view < retainFrom {
			delete(b.signed, key)
		}
	}
}
