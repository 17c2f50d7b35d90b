package simplex_test

import (
	"testing"
	"time"

	"github.com/drand/kyber/util/random"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	"github.com/stretchr/testify/require"
)

const testNamespace simplex.Namespace = "tsimplex"

// fixture is a dealt committee whose every participant can sign.
type fixture struct {
	t         *testing.T
	committee *simplex.Committee
	pub       *threshold.Public
	ids       []simplex.ParticipantID
	signers   []*threshold.Signer
}

func newFixture(t *testing.T, n int) *fixture {
	quorum, err := simplex.Quorum(n)
	require.NoError(t, err)
	pub, shares, err := threshold.Deal(n, quorum, random.New())
	require.NoError(t, err)
	f := &fixture{t: t, pub: pub}
	for i, s := range shares {
		signer, err := threshold.NewSigner(s)
		require.NoError(t, err)
		f.signers = append(f.signers, signer)
		f.ids = append(f.ids, simplex.ParticipantID(100+i))
	}
	f.committee, err = simplex.NewCommittee(f.ids, pub)
	require.NoError(t, err)
	return f
}

func (f *fixture) vote(signer int, kind simplex.VoteKind, view uint64, proposal simplex.Proposal) *simplex.Vote {
	vote, err := simplex.SignVote(testNamespace, f.signers[signer], f.ids[signer], kind, view, proposal)
	require.NoError(f.t, err)
	return vote
}

func (f *fixture) batch(kind simplex.VoteKind, view uint64, proposal simplex.Proposal, signers ...int) *simplex.VerifiedBatch {
	b := &simplex.VerifiedBatch{Kind: kind, View: view, Proposal: proposal}
	for _, s := range signers {
		b.Votes = append(b.Votes, f.vote(s, kind, view, proposal))
	}
	return b
}

func (f *fixture) certificate(kind simplex.VoteKind, view uint64, proposal simplex.Proposal) *simplex.Certificate {
	signers := make([]int, f.committee.Quorum)
	for i := range signers {
		signers[i] = i
	}
	cert, err := simplex.Aggregate(f.committee, f.batch(kind, view, proposal, signers...))
	require.NoError(f.t, err)
	require.NoError(f.t, simplex.VerifyCertificate(testNamespace, f.committee, cert))
	return cert
}

// indexOf returns the committee index of the leader of a view.
func (f *fixture) leaderIndex(view uint64, seed []byte) int {
	leader := f.committee.Leader(view, seed)
	index, ok := f.committee.IndexOf(leader)
	require.True(f.t, ok)
	return index
}

// proposal builds the leader's proposal message for a view.
func (f *fixture) proposalMessage(leader int, proposal simplex.Proposal, parentCert *simplex.Certificate) *simplex.ProposalMessage {
	vote := f.vote(leader, simplex.KindNotarize, proposal.View, proposal)
	return &simplex.ProposalMessage{
		Proposal:   proposal,
		Signer:     vote.Signer,
		Signature:  vote.Signature,
		Seed:       vote.Seed,
		ParentCert: parentCert,
	}
}

var _ simplex.Host = (*testHost)(nil)

type testHost struct {
	simplex.Supervisor
	*threshold.Signer
	id      simplex.ParticipantID
	genesis simplex.Digest

	now   time.Time
	alarm time.Time

	broadcasts       []*simplex.Message
	proposalRequests []simplex.ProposalContext
	verifyRequests   []simplex.ProposalContext
	certRequests     [][]uint64

	journal    []*simplex.JournalEntry
	journalErr error

	notarizations  []*simplex.Certificate
	nullifications []*simplex.Certificate
	finalizations  []*simplex.Certificate
	evidence       []*simplex.Evidence
	faults         []*simplex.Fault

	advanced  []uint64
	certified []*simplex.Certificate
}

func (f *fixture) host(index int) *testHost {
	return &testHost{
		Supervisor: simplex.NewStaticSupervisor(f.committee),
		Signer:     f.signers[index],
		id:         f.ids[index],
		genesis:    simplex.Digest{0xff},
		now:        time.Unix(1_700_000_000, 0),
	}
}

func (h *testHost) ID() simplex.ParticipantID { return h.id }
func (h *testHost) Genesis() simplex.Digest   { return h.genesis }
func (h *testHost) Time() time.Time           { return h.now }
func (h *testHost) SetAlarm(at time.Time)     { h.alarm = at }

func (h *testHost) Broadcast(msg *simplex.Message) { h.broadcasts = append(h.broadcasts, msg) }

func (h *testHost) RequestProposal(pc simplex.ProposalContext) {
	h.proposalRequests = append(h.proposalRequests, pc)
}

func (h *testHost) RequestVerification(pc simplex.ProposalContext, _ simplex.Digest) {
	h.verifyRequests = append(h.verifyRequests, pc)
}

func (h *testHost) RequestCertificates(views []uint64) {
	h.certRequests = append(h.certRequests, views)
}

func (h *testHost) Append(entry *simplex.JournalEntry) error {
	if h.journalErr != nil {
		return h.journalErr
	}
	h.journal = append(h.journal, entry)
	return nil
}

func (h *testHost) ReportNotarization(cert *simplex.Certificate) {
	h.notarizations = append(h.notarizations, cert)
}
func (h *testHost) ReportNullification(cert *simplex.Certificate) {
	h.nullifications = append(h.nullifications, cert)
}
func (h *testHost) ReportFinalization(cert *simplex.Certificate) {
	h.finalizations = append(h.finalizations, cert)
}
func (h *testHost) ReportEvidence(e *simplex.Evidence) { h.evidence = append(h.evidence, e) }
func (h *testHost) ReportFault(f *simplex.Fault)       { h.faults = append(h.faults, f) }

func (h *testHost) Advanced(view, _ uint64)               { h.advanced = append(h.advanced, view) }
func (h *testHost) Certified(cert *simplex.Certificate) { h.certified = append(h.certified, cert) }

// votes returns the votes broadcast so far, in order.
func (h *testHost) votes() []*simplex.Vote {
	var votes []*simplex.Vote
	for _, m := range h.broadcasts {
		if m.Vote != nil {
			votes = append(votes, m.Vote)
		}
	}
	return votes
}

func (h *testHost) lastBroadcast() *simplex.Message {
	if len(h.broadcasts) == 0 {
		return nil
	}
	return h.broadcasts[len(h.broadcasts)-1]
}

func (h *testHost) advance(d time.Duration) { h.now = h.now.Add(d) }
