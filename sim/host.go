package sim

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	"golang.org/x/crypto/blake2b"
)

var _ simplex.Host = (*simHost)(nil)

// simHost is one honest participant. It stands in for the node around the
// voter: it verifies and aggregates incoming votes itself, serves certificate
// requests from the stores of the other participants and keeps the journal in
// memory so that the participant can be crashed and restarted.
type simHost struct {
	simplex.Supervisor
	*threshold.Signer

	sim *Simulation
	id  simplex.ParticipantID

	voter *simplex.Voter
	// Incremented on every crash so that completions scheduled before it are
	// dropped.
	epoch uint64

	// Durable state: survives crashes.
	journal []*simplex.JournalEntry
	certs   map[certKey]*simplex.Certificate

	// Volatile state: lost on crash.
	groups     map[groupKey]*voteGroup
	seen       map[seenKey][]*simplex.Vote
	pending    map[uint64]struct{}
	resolving  bool
	view       uint64
	retainFrom uint64

	// requests records every set of views passed to RequestCertificates.
	requests [][]uint64
}

type certKey struct {
	kind simplex.VoteKind
	view uint64
}

type groupKey struct {
	kind     simplex.VoteKind
	view     uint64
	proposal simplex.Proposal
}

type seenKey struct {
	view   uint64
	signer simplex.ParticipantID
}

type voteGroup struct {
	votes   []*simplex.Vote
	signers map[simplex.ParticipantID]struct{}
	emitted bool
}

func newHost(sim *Simulation, id simplex.ParticipantID, signer *threshold.Signer) *simHost {
	return &simHost{
		Supervisor: sim.supervisor,
		Signer:     signer,
		sim:        sim,
		id:         id,
		certs:      make(map[certKey]*simplex.Certificate),
	}
}

// start creates a fresh voter and replays the journal into it.
func (h *simHost) start() error {
	h.groups = make(map[groupKey]*voteGroup)
	h.seen = make(map[seenKey][]*simplex.Vote)
	h.pending = make(map[uint64]struct{})
	h.resolving = false
	h.view, h.retainFrom = 0, 0

	opts := append([]simplex.Option{simplex.WithNamespace(h.sim.namespace)}, h.sim.voterOptions...)
	if h.sim.traceLevel >= TraceLogic {
		opts = append(opts, simplex.WithTracer(h.sim.network))
	}
	voter, err := simplex.NewVoter(h, opts...)
	if err != nil {
		return err
	}
	h.voter = voter
	h.sim.network.setOnline(h.id, true)
	return voter.Start(slices.Clone(h.journal))
}

func (h *simHost) crash() {
	h.sim.network.setOnline(h.id, false)
	h.voter = nil
	h.epoch++
}

func (h *simHost) online() bool { return h.voter != nil }

// schedule runs f on this participant after a delay, unless it crashed in
// the meantime.
func (h *simHost) schedule(after time.Duration, f func() error) {
	epoch := h.epoch
	h.sim.network.schedule(h.id, after, func() error {
		if epoch != h.epoch {
			return nil
		}
		return f()
	})
}

func (h *simHost) ReceiveAlarm() error {
	return h.voter.ReceiveAlarm()
}

// ReceiveMessage verifies a message from the network the way the batcher
// would, and hands it to the voter.
func (h *simHost) ReceiveMessage(_ simplex.ParticipantID, msg *simplex.Message) error {
	view := msg.View()
	if view < h.retainFrom || view > h.view+maxLookahead {
		return nil
	}
	committee, err := h.Committee(view)
	if err != nil {
		return err
	}
	if err := simplex.ValidateMessage(committee, msg); err != nil {
		h.sim.network.Log("P%d dropped invalid message: %v", h.id, err)
		return nil
	}
	switch {
	case msg.Vote != nil:
		if err := simplex.VerifyVote(h.sim.namespace, committee, msg.Vote); err != nil {
			h.sim.network.Log("P%d dropped vote: %v", h.id, err)
			return nil
		}
		return h.collect(committee, msg.Vote)
	case msg.Proposal != nil:
		vote := msg.Proposal.Vote()
		if err := simplex.VerifyVote(h.sim.namespace, committee, vote); err != nil {
			h.sim.network.Log("P%d dropped proposal: %v", h.id, err)
			return nil
		}
		if parent := msg.Proposal.ParentCert; parent != nil {
			if err := h.verifyCertificate(parent); err != nil {
				h.sim.network.Log("P%d dropped proposal: %v", h.id, err)
				return nil
			}
		}
		if err := h.voter.ReceiveProposal(msg.Proposal); err != nil {
			return err
		}
		return h.collect(committee, vote)
	default:
		if err := h.verifyCertificate(msg.Certificate); err != nil {
			h.sim.network.Log("P%d dropped certificate: %v", h.id, err)
			return nil
		}
		return h.voter.ReceiveCertificate(msg.Certificate)
	}
}

func (h *simHost) verifyCertificate(cert *simplex.Certificate) error {
	committee, err := h.Committee(cert.View)
	if err != nil {
		return err
	}
	return simplex.VerifyCertificate(h.sim.namespace, committee, cert)
}

// collect adds a verified vote to its group, delivering the group to the
// voter once it reaches a quorum.
func (h *simHost) collect(committee *simplex.Committee, vote *simplex.Vote) error {
	sk := seenKey{view: vote.View, signer: vote.Signer}
	for _, prior := range h.seen[sk] {
		if prior.Equal(vote) {
			return nil
		}
		if evidence := simplex.NewEvidence(prior, vote); evidence != nil {
			h.ReportEvidence(evidence)
		}
	}
	h.seen[sk] = append(h.seen[sk], vote)

	gk := groupKey{kind: vote.Kind, view: vote.View, proposal: vote.Proposal}
	group, ok := h.groups[gk]
	if !ok {
		group = &voteGroup{signers: make(map[simplex.ParticipantID]struct{})}
		h.groups[gk] = group
	}
	if _, dup := group.signers[vote.Signer]; dup {
		return nil
	}
	group.signers[vote.Signer] = struct{}{}
	group.votes = append(group.votes, vote)
	if group.emitted || len(group.votes) < committee.Quorum {
		return nil
	}
	group.emitted = true
	return h.voter.ReceiveBatch(&simplex.VerifiedBatch{
		Kind:     vote.Kind,
		View:     vote.View,
		Proposal: vote.Proposal,
		Votes:    slices.Clone(group.votes),
	})
}

// certifying returns the notarization or nullification held for a view.
func (h *simHost) certifying(view uint64) *simplex.Certificate {
	if cert := h.certs[certKey{simplex.KindNotarize, view}]; cert != nil {
		return cert
	}
	return h.certs[certKey{simplex.KindNullify, view}]
}

// resolve serves pending certificate requests from the other participants'
// stores and retries those nobody could serve.
func (h *simHost) resolve() error {
	h.resolving = false
	views := make([]uint64, 0, len(h.pending))
	for view := range h.pending {
		views = append(views, view)
	}
	slices.Sort(views)
	for _, view := range views {
		if _, ok := h.pending[view]; !ok {
			continue
		}
		if view < h.retainFrom || h.certifying(view) != nil {
			delete(h.pending, view)
			continue
		}
		for _, peer := range h.sim.hosts {
			cert := peer.certifying(view)
			if peer == h || !peer.online() || cert == nil {
				continue
			}
			if err := h.verifyCertificate(cert); err != nil {
				return fmt.Errorf("peer %d served invalid certificate: %w", peer.id, err)
			}
			if err := h.voter.ReceiveCertificate(cert); err != nil {
				return err
			}
			break
		}
	}
	if len(h.pending) > 0 && !h.resolving {
		h.resolving = true
		h.schedule(h.sim.fetchRetry, h.resolve)
	}
	return nil
}

func (h *simHost) ID() simplex.ParticipantID { return h.id }
func (h *simHost) Genesis() simplex.Digest   { return genesis }

func (h *simHost) Broadcast(msg *simplex.Message) {
	h.sim.network.broadcast(h.id, msg)
	// Own votes count towards quorums without verification.
	var vote *simplex.Vote
	switch {
	case msg.Vote != nil:
		vote = msg.Vote
	case msg.Proposal != nil:
		vote = msg.Proposal.Vote()
	default:
		return
	}
	h.schedule(0, func() error {
		committee, err := h.Committee(vote.View)
		if err != nil {
			return err
		}
		return h.collect(committee, vote)
	})
}

func (h *simHost) Time() time.Time { return h.sim.network.Time() }

func (h *simHost) SetAlarm(at time.Time) { h.sim.network.setAlarm(h.id, at) }

func (h *simHost) RequestProposal(pc simplex.ProposalContext) {
	h.schedule(h.sim.applicationDelay, func() error {
		return h.voter.ReceiveProposed(pc.View, propose(pc))
	})
}

func (h *simHost) RequestVerification(pc simplex.ProposalContext, payload simplex.Digest) {
	h.schedule(h.sim.applicationDelay, func() error {
		return h.voter.ReceiveVerified(pc.View, payload, true)
	})
}

func (h *simHost) RequestCertificates(views []uint64) {
	h.requests = append(h.requests, slices.Clone(views))
	for _, view := range views {
		h.pending[view] = struct{}{}
	}
	if !h.resolving {
		h.resolving = true
		h.schedule(h.sim.fetchDelay, h.resolve)
	}
}

func (h *simHost) Append(entry *simplex.JournalEntry) error {
	h.journal = append(h.journal, entry)
	return nil
}

func (h *simHost) ReportNotarization(cert *simplex.Certificate) {
	h.sim.decisions.ReceiveCertificate(h.id, cert)
}

func (h *simHost) ReportNullification(cert *simplex.Certificate) {
	h.sim.decisions.ReceiveCertificate(h.id, cert)
}

func (h *simHost) ReportFinalization(cert *simplex.Certificate) {
	h.sim.decisions.ReceiveFinalization(h.id, cert)
}

func (h *simHost) ReportEvidence(evidence *simplex.Evidence) {
	h.sim.decisions.ReceiveEvidence(h.id, evidence)
}

func (h *simHost) ReportFault(*simplex.Fault) {}

func (h *simHost) Advanced(view, retainFrom uint64) {
	h.view = view
	if retainFrom <= h.retainFrom {
		return
	}
	h.retainFrom = retainFrom
	for key := range h.groups {
		if key.view < retainFrom {
			delete(h.groups, key)
		}
	}
	for key := range h.seen {
		if key.view < retainFrom {
			delete(h.seen, key)
		}
	}
	h.journal = slices.DeleteFunc(h.journal, func(e *simplex.JournalEntry) bool { return e.View < retainFrom })
}

func (h *simHost) Certified(cert *simplex.Certificate) {
	h.certs[certKey{kind: cert.Kind, view: cert.View}] = cert
	if cert.Kind != simplex.KindFinalize {
		delete(h.pending, cert.View)
	}
}

var genesis = blake2b.Sum256([]byte("genesis"))

// propose derives a payload from the proposal context, so that every honest
// leader of a view proposes the same payload for the same parent.
func propose(pc simplex.ProposalContext) simplex.Digest {
	buf := binary.BigEndian.AppendUint64(nil, pc.View)
	buf = binary.BigEndian.AppendUint64(buf, pc.Parent)
	return blake2b.Sum256(append(buf, pc.ParentPayload[:]...))
}
