package batcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/drand/kyber/util/random"
	"github.com/filecoin-project/go-tsimplex/batcher"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t         *testing.T
	committee *simplex.Committee
	ids       []simplex.ParticipantID
	signers   []*threshold.Signer
}

func newFixture(t *testing.T, n int) *fixture {
	quorum, err := simplex.Quorum(n)
	require.NoError(t, err)
	pub, shares, err := threshold.Deal(n, quorum, random.New())
	require.NoError(t, err)
	f := &fixture{t: t}
	for i, s := range shares {
		signer, err := threshold.NewSigner(s)
		require.NoError(t, err)
		f.signers = append(f.signers, signer)
		f.ids = append(f.ids, simplex.ParticipantID(i+1))
	}
	f.committee, err = simplex.NewCommittee(f.ids, pub)
	require.NoError(t, err)
	return f
}

func (f *fixture) vote(signer int, kind simplex.VoteKind, view uint64, proposal simplex.Proposal) *simplex.Vote {
	vote, err := simplex.SignVote("tsimplex", f.signers[signer], f.ids[signer], kind, view, proposal)
	require.NoError(f.t, err)
	return vote
}

func (f *fixture) certificate(kind simplex.VoteKind, view uint64, proposal simplex.Proposal) *simplex.Certificate {
	batch := &simplex.VerifiedBatch{Kind: kind, View: view, Proposal: proposal}
	for i := 0; i < f.committee.Quorum; i++ {
		batch.Votes = append(batch.Votes, f.vote(i, kind, view, proposal))
	}
	cert, err := simplex.Aggregate(f.committee, batch)
	require.NoError(f.t, err)
	return cert
}

func (f *fixture) proposal(leader int, proposal simplex.Proposal, parent *simplex.Certificate) *simplex.ProposalMessage {
	vote := f.vote(leader, simplex.KindNotarize, proposal.View, proposal)
	return &simplex.ProposalMessage{
		Proposal:   proposal,
		Signer:     vote.Signer,
		Signature:  vote.Signature,
		Seed:       vote.Seed,
		ParentCert: parent,
	}
}

func start(t *testing.T, f *fixture, o ...batcher.Option) *batcher.Batcher {
	b, err := batcher.New(simplex.NewStaticSupervisor(f.committee), o...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return b
}

func next(t *testing.T, b *batcher.Batcher) batcher.Output {
	t.Helper()
	select {
	case out, ok := <-b.Outputs():
		require.True(t, ok, "outputs closed")
		return out
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for batcher output")
		return batcher.Output{}
	}
}

// marker submits a certificate for an unrelated view and waits for it, proving
// that everything submitted before it produced no output.
func marker(t *testing.T, f *fixture, b *batcher.Batcher, view uint64) {
	t.Helper()
	cert := f.certificate(simplex.KindNullify, view, simplex.Proposal{})
	require.True(t, b.SubmitCertificate(cert))
	out := next(t, b)
	require.Equal(t, cert, out.Certificate)
}

func signers(batch *simplex.VerifiedBatch) []simplex.ParticipantID {
	var ids []simplex.ParticipantID
	for _, v := range batch.Votes {
		ids = append(ids, v.Signer)
	}
	return ids
}

func TestBatcher_EmitsVerifiedQuorum(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	proposal := simplex.Proposal{View: 1, Payload: simplex.Digest{1}}

	require.True(t, b.Submit(f.vote(2, simplex.KindNotarize, 1, proposal)))
	require.True(t, b.Submit(f.vote(0, simplex.KindNotarize, 1, proposal)))
	require.True(t, b.Submit(f.vote(0, simplex.KindNotarize, 1, proposal)))
	marker(t, f, b, 100)

	require.True(t, b.Submit(f.vote(3, simplex.KindNotarize, 1, proposal)))
	out := next(t, b)
	require.NotNil(t, out.Batch)
	require.Equal(t, simplex.KindNotarize, out.Batch.Kind)
	require.Equal(t, proposal, out.Batch.Proposal)
	require.Equal(t, []simplex.ParticipantID{f.ids[0], f.ids[2], f.ids[3]}, signers(out.Batch))

	cert, err := simplex.Aggregate(f.committee, out.Batch)
	require.NoError(t, err)
	require.NoError(t, simplex.VerifyCertificate("tsimplex", f.committee, cert))

	// Votes arriving after the group was emitted are not emitted again.
	require.True(t, b.Submit(f.vote(1, simplex.KindNotarize, 1, proposal)))
	marker(t, f, b, 101)
}

func TestBatcher_IsolatesInvalidSigners(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	proposal := simplex.Proposal{View: 3, Parent: 2, Payload: simplex.Digest{3}}

	forged := f.vote(2, simplex.KindNotarize, 3, simplex.Proposal{View: 3, Parent: 2, Payload: simplex.Digest{4}})
	forged.Proposal = proposal

	require.True(t, b.Submit(f.vote(0, simplex.KindNotarize, 3, proposal)))
	require.True(t, b.Submit(forged))
	require.True(t, b.Submit(f.vote(1, simplex.KindNotarize, 3, proposal)))

	out := next(t, b)
	require.NotNil(t, out.Fault)
	require.EqualValues(t, 3, out.Fault.View)
	require.Equal(t, simplex.KindNotarize, out.Fault.Kind)
	count, err := out.Fault.Signers.Count()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	set, err := out.Fault.Signers.IsSet(2)
	require.NoError(t, err)
	require.True(t, set)

	// The forged vote did not consume the signer's slot.
	require.True(t, b.Submit(f.vote(2, simplex.KindNotarize, 3, proposal)))
	out = next(t, b)
	require.NotNil(t, out.Batch)
	require.Equal(t, []simplex.ParticipantID{f.ids[0], f.ids[1], f.ids[2]}, signers(out.Batch))
}

func TestBatcher_InvalidSeedIsolated(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)

	bad := f.vote(1, simplex.KindNullify, 5, simplex.Proposal{})
	bad.Seed = f.vote(1, simplex.KindNullify, 6, simplex.Proposal{}).Seed
	for _, v := range []*simplex.Vote{
		f.vote(0, simplex.KindNullify, 5, simplex.Proposal{}),
		bad,
		f.vote(3, simplex.KindNullify, 5, simplex.Proposal{}),
	} {
		require.True(t, b.Submit(v))
	}
	out := next(t, b)
	require.NotNil(t, out.Fault)
	set, err := out.Fault.Signers.IsSet(1)
	require.NoError(t, err)
	require.True(t, set)
}

func TestBatcher_DetectsEquivocation(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	a := simplex.Proposal{View: 2, Parent: 1, Payload: simplex.Digest{0xa}}
	other := simplex.Proposal{View: 2, Parent: 1, Payload: simplex.Digest{0xb}}

	for _, signer := range []int{0, 1, 2} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNotarize, 2, a)))
	}
	out := next(t, b)
	require.NotNil(t, out.Batch)

	for _, signer := range []int{3, 1, 0} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNotarize, 2, other)))
	}
	for _, signer := range []int{0, 1} {
		out = next(t, b)
		require.NotNil(t, out.Evidence)
		require.Equal(t, simplex.ConflictingNotarize, out.Evidence.Kind)
		require.Equal(t, f.ids[signer], out.Evidence.First.Signer)
		require.NoError(t, out.Evidence.Verify("tsimplex", f.committee))
	}
	out = next(t, b)
	require.NotNil(t, out.Batch)
	require.Equal(t, other, out.Batch.Proposal)
}

func TestBatcher_Proposals(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	parent := f.certificate(simplex.KindNullify, 1, simplex.Proposal{})
	proposal := simplex.Proposal{View: 2, Parent: 0, Payload: simplex.Digest{2}}
	msg := f.proposal(1, proposal, parent)

	require.True(t, b.SubmitProposal(msg))
	out := next(t, b)
	require.Equal(t, msg, out.Proposal)

	// The proposal counts as the leader's notarize vote.
	require.True(t, b.Submit(f.vote(2, simplex.KindNotarize, 2, proposal)))
	require.True(t, b.Submit(f.vote(3, simplex.KindNotarize, 2, proposal)))
	out = next(t, b)
	require.NotNil(t, out.Batch)
	require.Equal(t, []simplex.ParticipantID{f.ids[1], f.ids[2], f.ids[3]}, signers(out.Batch))

	// Rebroadcasts are passed on again without their parent certificate.
	require.True(t, b.SubmitProposal(msg))
	out = next(t, b)
	require.NotNil(t, out.Proposal)
	require.Equal(t, proposal, out.Proposal.Proposal)
	require.Nil(t, out.Proposal.ParentCert)
}

func TestBatcher_RejectsInvalidProposals(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	proposal := simplex.Proposal{View: 1, Payload: simplex.Digest{1}}

	missigned := f.proposal(1, proposal, nil)
	missigned.Signature = f.vote(1, simplex.KindNotarize, 1, simplex.Proposal{View: 1, Payload: simplex.Digest{9}}).Signature
	require.True(t, b.SubmitProposal(missigned))
	out := next(t, b)
	require.NotNil(t, out.Fault)

	forgedParent := f.certificate(simplex.KindNullify, 2, simplex.Proposal{})
	forgedParent.Seed = forgedParent.Signature
	require.True(t, b.SubmitProposal(f.proposal(2, simplex.Proposal{View: 3, Parent: 0, Payload: simplex.Digest{3}}, forgedParent)))
	require.True(t, b.SubmitProposal(f.proposal(2, simplex.Proposal{View: 3, Parent: 0, Payload: simplex.Digest{3}}, nil)))
	marker(t, f, b, 100)
}

func TestBatcher_Certificates(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	proposal := simplex.Proposal{View: 4, Parent: 3, Payload: simplex.Digest{4}}
	cert := f.certificate(simplex.KindNotarize, 4, proposal)

	forged := *cert
	forged.Signature = f.certificate(simplex.KindNotarize, 5, simplex.Proposal{View: 5, Parent: 4}).Signature
	require.True(t, b.SubmitCertificate(&forged))
	require.True(t, b.SubmitCertificate(cert))
	out := next(t, b)
	require.Equal(t, cert, out.Certificate)

	// Duplicates and votes for the certified group are dropped.
	require.True(t, b.SubmitCertificate(cert))
	for _, signer := range []int{0, 1, 2} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNotarize, 4, proposal)))
	}
	marker(t, f, b, 100)
}

func TestBatcher_CertifiedAndAdvanceDiscardGroups(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)

	b.Certified(7, simplex.KindNullify)
	b.Advance(5)
	for _, signer := range []int{0, 1, 2} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNullify, 7, simplex.Proposal{})))
		require.True(t, b.Submit(f.vote(signer, simplex.KindNullify, 4, simplex.Proposal{})))
	}
	marker(t, f, b, 100)

	for _, signer := range []int{0, 1, 2} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNullify, 5, simplex.Proposal{})))
	}
	out := next(t, b)
	require.NotNil(t, out.Batch)
	require.EqualValues(t, 5, out.Batch.View)
}

func TestBatcher_OwnVotesAreTrusted(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	proposal := simplex.Proposal{View: 1, Payload: simplex.Digest{1}}

	require.True(t, b.SubmitOwn(&simplex.Message{Vote: f.vote(0, simplex.KindFinalize, 1, proposal)}))
	require.True(t, b.Submit(f.vote(1, simplex.KindFinalize, 1, proposal)))
	require.True(t, b.Submit(f.vote(2, simplex.KindFinalize, 1, proposal)))
	out := next(t, b)
	require.NotNil(t, out.Batch)
	require.Equal(t, simplex.KindFinalize, out.Batch.Kind)
	require.Len(t, out.Batch.Votes, 3)

	// Own certificates suppress further work without being echoed back.
	require.True(t, b.SubmitOwn(&simplex.Message{Certificate: f.certificate(simplex.KindNullify, 2, simplex.Proposal{})}))
	for _, signer := range []int{1, 2, 3} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNullify, 2, simplex.Proposal{})))
	}
	marker(t, f, b, 100)
}

// forge returns a well-formed vote attributed to one participant but signed by
// another.
func (f *fixture) forge(claimed, signer int, kind simplex.VoteKind, view uint64, proposal simplex.Proposal) *simplex.Vote {
	vote := f.vote(signer, kind, view, proposal)
	vote.Signer = f.ids[claimed]
	return vote
}

// nextBatch skips faults naming the given signer until a batch is emitted,
// returning the batch and the number of faults skipped.
func nextBatch(t *testing.T, b *batcher.Batcher, faulty uint64) (*simplex.VerifiedBatch, int) {
	t.Helper()
	var faults int
	for {
		out := next(t, b)
		if out.Fault == nil {
			require.NotNil(t, out.Batch)
			return out.Batch, faults
		}
		set, err := out.Fault.Signers.IsSet(faulty)
		require.NoError(t, err)
		require.True(t, set)
		faults++
	}
}

func TestBatcher_ForgedVotesDoNotLockOutSigner(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)
	proposal := simplex.Proposal{View: 2, Parent: 1, Payload: simplex.Digest{2}}

	// Fill signer 1's slot with votes for proposals nobody else backs.
	for _, payload := range []byte{0xe1, 0xe2} {
		bogus := simplex.Proposal{View: 2, Parent: 1, Payload: simplex.Digest{payload}}
		require.True(t, b.Submit(f.forge(1, 3, simplex.KindNotarize, 2, bogus)))
	}
	marker(t, f, b, 100)

	for _, signer := range []int{0, 1, 2} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNotarize, 2, proposal)))
	}
	batch, faults := nextBatch(t, b, 1)
	require.Equal(t, 2, faults)
	require.Equal(t, proposal, batch.Proposal)
	require.Equal(t, []simplex.ParticipantID{f.ids[0], f.ids[1], f.ids[2]}, signers(batch))
}

func TestBatcher_ForgedVoteInSameGroupIsEvicted(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)

	require.True(t, b.Submit(f.forge(1, 3, simplex.KindNullify, 4, simplex.Proposal{})))
	for _, signer := range []int{0, 1, 2} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNullify, 4, simplex.Proposal{})))
	}
	batch, faults := nextBatch(t, b, 1)
	require.Equal(t, 1, faults)
	require.Equal(t, simplex.KindNullify, batch.Kind)
	require.Equal(t, []simplex.ParticipantID{f.ids[0], f.ids[1], f.ids[2]}, signers(batch))
}

func TestBatcher_EquivocatingSignerSlotStaysBounded(t *testing.T) {
	f := newFixture(t, 4)
	b := start(t, f)

	// Two genuine conflicting votes fill the slot; a third is dropped even
	// after the held ones are checked.
	for _, payload := range []byte{1, 2, 3} {
		p := simplex.Proposal{View: 6, Parent: 5, Payload: simplex.Digest{payload}}
		require.True(t, b.Submit(f.vote(3, simplex.KindNotarize, 6, p)))
	}
	out := next(t, b)
	require.NotNil(t, out.Evidence)
	require.Equal(t, simplex.ConflictingNotarize, out.Evidence.Kind)
	require.Equal(t, f.ids[3], out.Evidence.First.Signer)

	third := simplex.Proposal{View: 6, Parent: 5, Payload: simplex.Digest{3}}
	for _, signer := range []int{0, 1} {
		require.True(t, b.Submit(f.vote(signer, simplex.KindNotarize, 6, third)))
	}
	marker(t, f, b, 100)
}
