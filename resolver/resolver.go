// Package resolver backfills the certificates a voter is missing by fetching
// them from peers. Every certificate is verified against the committee of its
// view before it is handed on.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filecoin-project/go-tsimplex/internal/clock"
	"github.com/filecoin-project/go-tsimplex/simplex"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

var log = logging.Logger("tsimplex/resolver")

// Fetcher requests the certificates ending the given views from a peer.
type Fetcher interface {
	Fetch(ctx context.Context, p peer.ID, views []uint64) ([]*simplex.Certificate, error)
}

// PeerSource lists the peers that may be asked for certificates.
type PeerSource func() []peer.ID

// Resolver tracks views whose notarization or nullification is missing, and
// fetches them from peers with bounded concurrency. A failed, timed out or
// incomplete request is retried against a different peer after a backoff.
// Verified certificates are delivered on Outputs in no particular order.
type Resolver struct {
	fetcher    Fetcher
	peers      PeerSource
	supervisor simplex.Supervisor
	opts       *options

	mu         sync.Mutex
	pending    map[uint64]*pendingView
	retainFrom uint64
	tracker    *peerTracker

	wake    chan struct{}
	outputs chan *simplex.Certificate
	running atomic.Bool
}

type pendingView struct {
	inflight  bool
	attempts  int
	notBefore time.Time
	tried     map[peer.ID]struct{}
}

func New(fetcher Fetcher, peers PeerSource, supervisor simplex.Supervisor, o ...Option) (*Resolver, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		fetcher:    fetcher,
		peers:      peers,
		supervisor: supervisor,
		opts:       opts,
		pending:    make(map[uint64]*pendingView),
		tracker:    newPeerTracker(),
		wake:       make(chan struct{}, 1),
		outputs:    make(chan *simplex.Certificate, opts.outputBufferSize),
	}, nil
}

// Request schedules the given views to be resolved. Views already pending, or
// below the retention bound, are ignored.
func (r *Resolver) Request(views ...uint64) {
	r.mu.Lock()
	var added int64
	for _, view := range views {
		if view < r.retainFrom {
			continue
		}
		if _, exists := r.pending[view]; exists {
			continue
		}
		r.pending[view] = &pendingView{tried: make(map[peer.ID]struct{})}
		added++
	}
	r.mu.Unlock()
	if added > 0 {
		metrics.pending.Add(context.Background(), added)
		r.signal()
	}
}

// Cancel stops resolving the given views, typically because their certificate
// arrived by other means. Responses still in flight for them are discarded.
func (r *Resolver) Cancel(views ...uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, view := range views {
		r.remove(view)
	}
}

// Advance cancels every pending view below retainFrom and ignores requests for
// such views from then on.
func (r *Resolver) Advance(retainFrom uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retainFrom <= r.retainFrom {
		return
	}
	r.retainFrom = retainFrom
	for view := range r.pending {
		if view < retainFrom {
			r.remove(view)
		}
	}
}

func (r *Resolver) remove(view uint64) bool {
	if _, exists := r.pending[view]; !exists {
		return false
	}
	delete(r.pending, view)
	metrics.pending.Add(context.Background(), -1)
	return true
}

// Pending returns the views waiting to be resolved in increasing order.
func (r *Resolver) Pending() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]uint64, 0, len(r.pending))
	for view := range r.pending {
		views = append(views, view)
	}
	slices.Sort(views)
	return views
}

// Outputs returns the channel verified certificates are delivered on. It is
// closed once Run returns.
func (r *Resolver) Outputs() <-chan *simplex.Certificate { return r.outputs }

func (r *Resolver) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run fetches pending views until ctx is cancelled. It may only be called
// once.
func (r *Resolver) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("resolver already running")
	}
	clk := clock.GetClock(ctx)
	sem := semaphore.NewWeighted(int64(r.opts.fetchConcurrency))
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(r.outputs)
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		p, views, wait := r.schedule(clk.Now())
		if len(views) > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				r.fetch(ctx, clk, p, views)
			}()
			continue
		}
		sem.Release(1)

		var timer *clock.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = clk.Timer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-r.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// schedule picks a peer and the views to ask it for, marking them in flight.
// When nothing can be asked for now it returns how long to wait before trying
// again, or zero to wait for new requests.
func (r *Resolver) schedule(now time.Time) (peer.ID, []uint64, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []uint64
	var earliest time.Time
	for view, pv := range r.pending {
		switch {
		case pv.inflight:
		case pv.notBefore.After(now):
			if earliest.IsZero() || pv.notBefore.Before(earliest) {
				earliest = pv.notBefore
			}
		default:
			ready = append(ready, view)
		}
	}
	if len(ready) == 0 {
		if earliest.IsZero() {
			return "", nil, 0
		}
		return "", nil, earliest.Sub(now)
	}
	slices.Sort(ready)

	candidates := r.peers()
	r.tracker.forget(candidates)
	p, ok := r.tracker.pick(now, candidates, r.pending[ready[0]].tried)
	if !ok {
		log.Debugw("No peer to resolve views from.", "pending", len(r.pending))
		return "", nil, r.opts.fetchTimeout
	}

	views := make([]uint64, 0, min(len(ready), r.opts.maxViewsPerRequest))
	for _, view := range ready {
		pv := r.pending[view]
		if _, tried := pv.tried[p]; tried && !triedAll(pv, candidates) && view != ready[0] {
			continue
		}
		pv.inflight = true
		views = append(views, view)
		if len(views) == r.opts.maxViewsPerRequest {
			break
		}
	}
	return p, views, 0
}

func triedAll(pv *pendingView, candidates []peer.ID) bool {
	for _, p := range candidates {
		if _, tried := pv.tried[p]; !tried {
			return false
		}
	}
	return true
}

func (r *Resolver) fetch(ctx context.Context, clk clock.Clock, p peer.ID, views []uint64) {
	defer r.signal()

	fetchCtx, cancel := clk.WithTimeout(ctx, r.opts.fetchTimeout)
	start := clk.Now()
	certs, err := r.fetcher.Fetch(fetchCtx, p, views)
	cancel()
	now := clk.Now()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Debugw("Failed to fetch certificates.", "peer", p, "views", len(views), "err", err)
		metrics.views.Add(ctx, int64(len(views)), metric.WithAttributes(attrOutcomeFailed))
		r.mu.Lock()
		r.tracker.recordFailure(p, now)
		r.retry(views, p, now)
		r.mu.Unlock()
		return
	}

	requested := make(map[uint64]struct{}, len(views))
	for _, view := range views {
		requested[view] = struct{}{}
	}
	var verified []*simplex.Certificate
	var invalid bool
	for _, cert := range certs {
		if err := r.verify(requested, cert); err != nil {
			log.Warnw("Peer returned an invalid certificate.", "peer", p, "view", cert.View, "err", err)
			metrics.views.Add(ctx, 1, metric.WithAttributes(attrOutcomeInvalid))
			invalid = true
			break
		}
		delete(requested, cert.View)
		verified = append(verified, cert)
	}

	r.mu.Lock()
	var deliver []*simplex.Certificate
	for _, cert := range verified {
		if r.remove(cert.View) {
			deliver = append(deliver, cert)
		}
	}
	var missing []uint64
	for view := range requested {
		missing = append(missing, view)
	}
	switch {
	case invalid:
		r.tracker.recordInvalid(p)
	case len(missing) > 0:
		r.tracker.recordMiss(p)
	default:
		r.tracker.recordHit(p, now.Sub(start))
	}
	r.retry(missing, p, now)
	r.mu.Unlock()

	metrics.views.Add(ctx, int64(len(deliver)), metric.WithAttributes(attrOutcomeResolved))
	if !invalid {
		metrics.views.Add(ctx, int64(len(missing)), metric.WithAttributes(attrOutcomeMissing))
	}
	for _, cert := range deliver {
		select {
		case r.outputs <- cert:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Resolver) verify(requested map[uint64]struct{}, cert *simplex.Certificate) error {
	if _, ok := requested[cert.View]; !ok {
		return fmt.Errorf("view %d was not requested", cert.View)
	}
	if cert.Kind != simplex.KindNotarize && cert.Kind != simplex.KindNullify {
		return fmt.Errorf("%s does not end a view", cert.Kind.CertificateName())
	}
	committee, err := r.supervisor.Committee(cert.View)
	if err != nil {
		return fmt.Errorf("no committee for view %d: %w", cert.View, err)
	}
	return simplex.VerifyCertificate(r.opts.namespace, committee, cert)
}

// retry makes the views eligible to be asked of another peer after a backoff.
func (r *Resolver) retry(views []uint64, p peer.ID, now time.Time) {
	for _, view := range views {
		pv, ok := r.pending[view]
		if !ok {
			continue
		}
		pv.inflight = false
		pv.tried[p] = struct{}{}
		pv.notBefore = now.Add(r.opts.retryBackoff(pv.attempts))
		pv.attempts++
	}
}
