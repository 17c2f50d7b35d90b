package tsimplex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/filecoin-project/go-tsimplex/batcher"
	"github.com/filecoin-project/go-tsimplex/certstore"
	"github.com/filecoin-project/go-tsimplex/internal/clock"
	"github.com/filecoin-project/go-tsimplex/resolver"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	"go.opentelemetry.io/otel/metric"
)

var _ simplex.Host = (*voterHost)(nil)

// maxCommitteeSize bounds the signer indices expanded when logging faults.
const maxCommitteeSize = 1 << 16

// runner is responsible for running simplex.Voter, taking in all concurrent
// events and passing them to the voter in a single thread.
type runner struct {
	simplex.Supervisor
	*threshold.Signer

	id  simplex.ParticipantID
	app simplex.Application

	voter     *simplex.Voter
	batcher   *batcher.Batcher
	resolver  *resolver.Resolver
	store     *certstore.Store
	journal   *journal
	transport *transport

	clk        clock.Clock
	alertTimer *clock.Timer
	calls      chan func() error
	requests   map[uint64]context.CancelFunc

	view          atomic.Uint64
	lastFinalized atomic.Uint64

	runningCtx context.Context
	ctxCancel  context.CancelFunc
}

// voterHost is a newtype of runner exposing APIs required by the simplex.Voter
type voterHost runner

func newRunner(ctx context.Context, id simplex.ParticipantID, app simplex.Application, supervisor simplex.Supervisor,
	signer *threshold.Signer, b *batcher.Batcher, r *resolver.Resolver, cs *certstore.Store,
	j *journal, t *transport, o ...simplex.Option) (*runner, error) {
	runner := &runner{
		Supervisor: supervisor,
		Signer:     signer,
		id:         id,
		app:        app,
		batcher:    b,
		resolver:   r,
		store:      cs,
		journal:    j,
		transport:  t,
		clk:        clock.GetClock(ctx),
		calls:      make(chan func() error, 64),
		requests:   make(map[uint64]context.CancelFunc),
	}

	// create a stopped timer to facilitate alarms requested by the voter
	runner.alertTimer = runner.clk.Timer(100 * time.Hour)
	runner.alertTimer.Stop()

	voter, err := simplex.NewVoter((*voterHost)(runner), o...)
	if err != nil {
		return nil, fmt.Errorf("creating voter: %w", err)
	}
	runner.voter = voter
	return runner, nil
}

// Run replays the journal into the voter and then drives it until ctx is
// cancelled or the voter fails.
func (h *runner) Run(ctx context.Context, journal []*simplex.JournalEntry) error {
	h.runningCtx, h.ctxCancel = context.WithCancel(ctx)
	defer h.ctxCancel()

	if err := h.voter.Start(journal); err != nil {
		return fmt.Errorf("starting voter: %w", err)
	}

	outputs := h.batcher.Outputs()
	recovered := h.resolver.Outputs()
	for {
		var err error
		// prioritise alarm delivery
		select {
		case <-h.alertTimer.C:
			err = h.voter.ReceiveAlarm()
		default:
		}
		if err != nil {
			log.Errorw("Voter failed, runner exiting.", "err", err)
			return err
		}

		select {
		case <-h.alertTimer.C:
			err = h.voter.ReceiveAlarm()
		case out, ok := <-outputs:
			if !ok {
				return h.closed("batcher")
			}
			err = h.receiveOutput(out)
		case cert, ok := <-recovered:
			if !ok {
				return h.closed("resolver")
			}
			err = h.voter.ReceiveCertificate(cert)
		case call := <-h.calls:
			err = call()
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			log.Errorw("Voter failed, runner exiting.", "err", err)
			return err
		}
	}
}

func (h *runner) closed(what string) error {
	if h.runningCtx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s outputs closed", what)
}

func (h *runner) receiveOutput(out batcher.Output) error {
	switch {
	case out.Batch != nil:
		return h.voter.ReceiveBatch(out.Batch)
	case out.Proposal != nil:
		return h.voter.ReceiveProposal(out.Proposal)
	case out.Certificate != nil:
		return h.voter.ReceiveCertificate(out.Certificate)
	case out.Evidence != nil:
		(*voterHost)(h).ReportEvidence(out.Evidence)
	case out.Fault != nil:
		(*voterHost)(h).ReportFault(out.Fault)
	}
	return nil
}

// call runs f on the runner goroutine and waits for it to complete.
func (h *runner) call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case h.calls <- func() error { f(); close(done); return nil }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete delivers the result of an application request unless the view it
// was made for has been left.
func (h *runner) complete(ctx context.Context, f func() error) {
	select {
	case h.calls <- f:
	case <-ctx.Done():
	}
}

// requestContext returns a context cancelled once the voter leaves view.
func (h *voterHost) requestContext(view uint64) context.Context {
	ctx, cancel := context.WithCancel(h.runningCtx)
	if previous, ok := h.requests[view]; ok {
		// Chain cancellation so that leaving the view cancels both requests.
		h.requests[view] = func() { previous(); cancel() }
	} else {
		h.requests[view] = cancel
	}
	return ctx
}

func (h *voterHost) ID() simplex.ParticipantID { return h.id }
func (h *voterHost) Genesis() simplex.Digest   { return h.app.Genesis() }

func (h *voterHost) Broadcast(msg *simplex.Message) {
	h.transport.send(msg)
	h.batcher.SubmitOwn(msg)
}

func (h *voterHost) Time() time.Time { return h.clk.Now() }

func (h *voterHost) SetAlarm(at time.Time) {
	// Stop the timer and drain the channel
	if !h.alertTimer.Stop() {
		select {
		case <-h.alertTimer.C:
		default:
		}
	}
	h.alertTimer.Reset(max(0, at.Sub(h.clk.Now())))
}

func (h *voterHost) RequestProposal(pc simplex.ProposalContext) {
	ctx := h.requestContext(pc.View)
	go func() {
		payload, err := h.app.Propose(ctx, pc)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorw("Application failed to propose.", "view", pc.View, "err", err)
			}
			return
		}
		(*runner)(h).complete(ctx, func() error {
			return h.voter.ReceiveProposed(pc.View, payload)
		})
	}()
}

func (h *voterHost) RequestVerification(pc simplex.ProposalContext, payload simplex.Digest) {
	ctx := h.requestContext(pc.View)
	go func() {
		valid, err := h.app.Verify(ctx, pc, payload)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorw("Application failed to verify.", "view", pc.View, "payload", payload, "err", err)
			}
			return
		}
		(*runner)(h).complete(ctx, func() error {
			return h.voter.ReceiveVerified(pc.View, payload, valid)
		})
	}()
}

func (h *voterHost) RequestCertificates(views []uint64) {
	h.resolver.Request(views...)
}

func (h *voterHost) Append(entry *simplex.JournalEntry) error {
	return h.journal.Append(entry)
}

func (h *voterHost) ReportNotarization(cert *simplex.Certificate) {
	metrics.certificates.Add(h.runningCtx, 1, metric.WithAttributes(attrKind.String(cert.Kind.CertificateName())))
	log.Debugw("Notarized.", "view", cert.View, "payload", cert.Proposal.Payload)
}

func (h *voterHost) ReportNullification(cert *simplex.Certificate) {
	metrics.certificates.Add(h.runningCtx, 1, metric.WithAttributes(attrKind.String(cert.Kind.CertificateName())))
	log.Debugw("Nullified.", "view", cert.View)
}

func (h *voterHost) ReportFinalization(cert *simplex.Certificate) {
	metrics.certificates.Add(h.runningCtx, 1, metric.WithAttributes(attrKind.String(cert.Kind.CertificateName())))
	metrics.lastFinalized.Record(h.runningCtx, int64(cert.View))
	h.lastFinalized.Store(cert.View)
	log.Infow("Finalized.", "view", cert.View, "payload", cert.Proposal.Payload, "cid", cert.Proposal.Payload.CID())
}

func (h *voterHost) ReportEvidence(evidence *simplex.Evidence) {
	metrics.evidence.Add(h.runningCtx, 1, metric.WithAttributes(attrKind.String(evidence.Kind.String())))
	log.Warnw("Equivocation detected.", "kind", evidence.Kind, "signer", evidence.First.Signer, "view", evidence.First.View)
}

func (h *voterHost) ReportFault(fault *simplex.Fault) {
	metrics.faults.Add(h.runningCtx, 1, metric.WithAttributes(attrKind.String(fault.Kind.String())))
	signers, _ := fault.Signers.All(maxCommitteeSize)
	log.Warnw("Invalid partial signatures.", "kind", fault.Kind, "view", fault.View, "signers", signers)
}

func (h *voterHost) Advanced(view, retainFrom uint64) {
	h.view.Store(view)
	metrics.currentView.Record(h.runningCtx, int64(view))
	for v, cancel := range h.requests {
		if v < view {
			cancel()
			delete(h.requests, v)
		}
	}
	h.transport.advance(view, retainFrom)
	h.batcher.Advance(retainFrom)
	h.resolver.Advance(retainFrom)
	if err := h.journal.Purge(retainFrom); err != nil {
		metrics.journalPurgeErrs.Add(h.runningCtx, 1)
		log.Warnw("Failed to purge journal.", "retainFrom", retainFrom, "err", err)
	}
}

func (h *voterHost) Certified(cert *simplex.Certificate) {
	h.batcher.Certified(cert.View, cert.Kind)
	if cert.Kind != simplex.KindFinalize {
		h.resolver.Cancel(cert.View)
	}
	// The store publishes finalizations above the latest one only, matching
	// the order they are reported in.
	if err := h.store.Put(h.runningCtx, cert); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("Failed to store certificate.", "certificate", cert, "err", err)
	}
}
