package resolver

import (
	"cmp"
	"slices"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	hitMissSlidingWindow = 3
	maxBackoffExponent   = 6
	failureBackoff       = 250 * time.Millisecond

	// EWMA alpha for latency tracking (0-1, smaller numbers favor newer readings)
	latencyAlpha = 0.7
)

type peerRecord struct {
	id peer.ID
	// Number of sequential failures since the last successful request.
	sequentialFailures int
	// Sliding windows of hits/misses (0-3 each). If either would exceed 3, we subtract 1 from
	// both (where 0 is the floor).
	hits, misses int
	// Peers that served an invalid certificate are never asked again.
	evil         bool
	backoffUntil time.Time
	latency      time.Duration
}

// peerTracker ranks peers by how useful their past responses were. It is not
// safe for concurrent use.
type peerTracker struct {
	peers map[peer.ID]*peerRecord
}

func newPeerTracker() *peerTracker {
	return &peerTracker{peers: make(map[peer.ID]*peerRecord)}
}

func (t *peerTracker) getOrCreate(p peer.ID) *peerRecord {
	r, ok := t.peers[p]
	if !ok {
		r = &peerRecord{id: p}
		t.peers[p] = r
	}
	return r
}

// hitRate returns the fraction of recent requests the peer fully answered, and
// how many requests that is based on.
func (r *peerRecord) hitRate() (float64, int) {
	total := r.hits + r.misses
	// Unknown peers rank between reliable and unreliable ones.
	rate := 0.5
	if total > 0 {
		rate = float64(r.hits) / float64(total)
	}
	return rate, min(total, hitMissSlidingWindow)
}

// Cmp orders r before other if r is the better peer to ask.
func (r *peerRecord) Cmp(other *peerRecord) int {
	rateA, countA := r.hitRate()
	rateB, countB := other.hitRate()
	if c := cmp.Compare(rateB, rateA); c != 0 {
		return c
	}
	// If we have latency measurements for both, prefer the peer with lower latency.
	if r.latency > 0 && other.latency > 0 {
		if c := cmp.Compare(r.latency, other.latency); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(countB, countA); c != 0 {
		return c
	}
	return cmp.Compare(r.id, other.id)
}

func (r *peerRecord) recordHit(latency time.Duration) {
	r.sequentialFailures = 0
	r.backoffUntil = time.Time{}
	if r.hits < hitMissSlidingWindow {
		r.hits++
	} else if r.misses > 0 {
		r.misses--
	}
	if r.latency > 0 {
		r.latency += time.Duration(latencyAlpha * float64(latency-r.latency))
	} else {
		r.latency = latency
	}
}

func (r *peerRecord) recordMiss() {
	r.sequentialFailures = 0
	if r.misses < hitMissSlidingWindow {
		r.misses++
	} else if r.hits > 0 {
		r.hits--
	}
}

func (r *peerRecord) recordFailure(now time.Time) {
	r.recordMiss()
	r.backoffUntil = now.Add(failureBackoff << min(r.sequentialFailures, maxBackoffExponent))
	r.sequentialFailures++
}

// pick returns the best of the candidates to ask, skipping peers known to be
// evil. Peers outside exclude and out of backoff are preferred; failing that,
// the best peer out of backoff; failing that, the peer whose backoff ends
// first.
func (t *peerTracker) pick(now time.Time, candidates []peer.ID, exclude map[peer.ID]struct{}) (peer.ID, bool) {
	var fresh, ready, waiting []*peerRecord
	for _, p := range candidates {
		r := t.getOrCreate(p)
		if r.evil {
			continue
		}
		if r.backoffUntil.After(now) {
			waiting = append(waiting, r)
			continue
		}
		if _, excluded := exclude[p]; !excluded {
			fresh = append(fresh, r)
		}
		ready = append(ready, r)
	}
	for _, tier := range [][]*peerRecord{fresh, ready} {
		if len(tier) > 0 {
			return slices.MinFunc(tier, (*peerRecord).Cmp).id, true
		}
	}
	if len(waiting) > 0 {
		return slices.MinFunc(waiting, func(a, b *peerRecord) int {
			return a.backoffUntil.Compare(b.backoffUntil)
		}).id, true
	}
	return "", false
}

func (t *peerTracker) recordHit(p peer.ID, latency time.Duration) {
	t.getOrCreate(p).recordHit(latency)
}

func (t *peerTracker) recordMiss(p peer.ID) { t.getOrCreate(p).recordMiss() }

func (t *peerTracker) recordFailure(p peer.ID, now time.Time) {
	t.getOrCreate(p).recordFailure(now)
}

func (t *peerTracker) recordInvalid(p peer.ID) {
	log.Warnw("Peer served an invalid certificate, no longer asking it.", "peer", p)
	t.getOrCreate(p).evil = true
}

// forget drops records of peers no longer among the candidates, except evil
// ones.
func (t *peerTracker) forget(candidates []peer.ID) {
	if len(t.peers) <= 2*len(candidates) {
		return
	}
	keep := make(map[peer.ID]struct{}, len(candidates))
	for _, p := range candidates {
		keep[p] = struct{}{}
	}
	for p, r := range t.peers {
		if _, ok := keep[p]; !ok && !r.evil {
			delete(t.peers, p)
		}
	}
}
