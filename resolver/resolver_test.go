package resolver_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-tsimplex/resolver"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/simplex/simplextest"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

const testNamespace simplex.Namespace = "testnet"

type fetchCall struct {
	peer  peer.ID
	views []uint64
}

// mockFetcher answers from a per-peer handler and records every call.
type mockFetcher struct {
	mu       sync.Mutex
	calls    []fetchCall
	handlers map[peer.ID]func(ctx context.Context, views []uint64) ([]*simplex.Certificate, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, p peer.ID, views []uint64) ([]*simplex.Certificate, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fetchCall{peer: p, views: slices.Clone(views)})
	handler := m.handlers[p]
	m.mu.Unlock()
	if handler == nil {
		return nil, errors.New("unknown peer")
	}
	return handler(ctx, views)
}

func (m *mockFetcher) Calls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// serving returns a handler answering from certs.
func serving(certs map[uint64]*simplex.Certificate) func(context.Context, []uint64) ([]*simplex.Certificate, error) {
	return func(_ context.Context, views []uint64) ([]*simplex.Certificate, error) {
		var found []*simplex.Certificate
		for _, view := range views {
			if cert, ok := certs[view]; ok {
				found = append(found, cert)
			}
		}
		return found, nil
	}
}

func failing(context.Context, []uint64) ([]*simplex.Certificate, error) {
	return nil, errors.New("connection refused")
}

func newCommittee(t *testing.T) *simplextest.Committee {
	c, err := simplextest.NewCommittee(testNamespace, 4, 1)
	require.NoError(t, err)
	return c
}

// certificates makes a notarization for every even view and a nullification
// for every odd one, from first to last inclusive.
func certificates(t *testing.T, c *simplextest.Committee, first, last uint64) map[uint64]*simplex.Certificate {
	certs := make(map[uint64]*simplex.Certificate)
	for view := first; view <= last; view++ {
		var cert *simplex.Certificate
		var err error
		if view%2 == 0 {
			cert, err = c.Notarization(view, simplex.Digest{byte(view)})
		} else {
			cert, err = c.Nullification(view)
		}
		require.NoError(t, err)
		certs[view] = cert
	}
	return certs
}

func peers(ids ...peer.ID) resolver.PeerSource {
	return func() []peer.ID { return ids }
}

func start(t *testing.T, r *resolver.Resolver) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func collect(t *testing.T, r *resolver.Resolver, count int) map[uint64]*simplex.Certificate {
	got := make(map[uint64]*simplex.Certificate)
	for len(got) < count {
		select {
		case cert := <-r.Outputs():
			_, dup := got[cert.View]
			require.False(t, dup, "view %d delivered twice", cert.View)
			got[cert.View] = cert
		case <-time.After(10 * time.Second):
			require.FailNow(t, "timed out waiting for certificates", "got %d of %d", len(got), count)
		}
	}
	return got
}

func fastRetries() resolver.Option {
	return resolver.WithRetryBackoff(1, time.Millisecond, time.Millisecond)
}

func TestResolver_BulkFetch(t *testing.T) {
	c := newCommittee(t)
	certs := certificates(t, c, 6, 39)
	fetcher := &mockFetcher{handlers: map[peer.ID]func(context.Context, []uint64) ([]*simplex.Certificate, error){
		"a": serving(certs),
	}}
	subject, err := resolver.New(fetcher, peers("a"), c.Supervisor(), resolver.WithNamespace(testNamespace))
	require.NoError(t, err)

	views := make([]uint64, 0, len(certs))
	for view := uint64(6); view <= 39; view++ {
		views = append(views, view)
	}
	subject.Request(views...)
	start(t, subject)

	require.Equal(t, certs, collect(t, subject, len(certs)))
	require.Empty(t, subject.Pending())
	calls := fetcher.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, views, calls[0].views)
}

func TestResolver_ChunksRequests(t *testing.T) {
	c := newCommittee(t)
	certs := certificates(t, c, 1, 25)
	fetcher := &mockFetcher{handlers: map[peer.ID]func(context.Context, []uint64) ([]*simplex.Certificate, error){
		"a": serving(certs),
	}}
	subject, err := resolver.New(fetcher, peers("a"), c.Supervisor(),
		resolver.WithNamespace(testNamespace), resolver.WithMaxViewsPerRequest(10))
	require.NoError(t, err)

	for view := uint64(1); view <= 25; view++ {
		subject.Request(view)
	}
	start(t, subject)

	require.Equal(t, certs, collect(t, subject, len(certs)))
	for _, call := range fetcher.Calls() {
		require.LessOrEqual(t, len(call.views), 10)
	}
}

func TestResolver_RetriesAnotherPeer(t *testing.T) {
	c := newCommittee(t)
	certs := certificates(t, c, 5, 5)
	fetcher := &mockFetcher{handlers: map[peer.ID]func(context.Context, []uint64) ([]*simplex.Certificate, error){
		"a": failing,
		"b": serving(certs),
	}}
	subject, err := resolver.New(fetcher, peers("a", "b"), c.Supervisor(),
		resolver.WithNamespace(testNamespace), fastRetries())
	require.NoError(t, err)

	subject.Request(5)
	start(t, subject)

	require.Equal(t, certs, collect(t, subject, 1))
	calls := fetcher.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, peer.ID("a"), calls[0].peer)
	require.Equal(t, peer.ID("b"), calls[1].peer)
}

func TestResolver_RetriesAfterTimeout(t *testing.T) {
	c := newCommittee(t)
	certs := certificates(t, c, 7, 7)
	fetcher := &mockFetcher{handlers: map[peer.ID]func(context.Context, []uint64) ([]*simplex.Certificate, error){
		"a": func(ctx context.Context, _ []uint64) ([]*simplex.Certificate, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"b": serving(certs),
	}}
	subject, err := resolver.New(fetcher, peers("a", "b"), c.Supervisor(),
		resolver.WithNamespace(testNamespace), resolver.WithFetchTimeout(50*time.Millisecond), fastRetries())
	require.NoError(t, err)

	subject.Request(7)
	start(t, subject)
	require.Equal(t, certs, collect(t, subject, 1))
}

func TestResolver_RetriesMissingViews(t *testing.T) {
	c := newCommittee(t)
	certs := certificates(t, c, 1, 4)
	partial := map[uint64]*simplex.Certificate{1: certs[1], 2: certs[2]}
	fetcher := &mockFetcher{handlers: map[peer.ID]func(context.Context, []uint64) ([]*simplex.Certificate, error){
		"a": serving(partial),
		"b": serving(certs),
	}}
	subject, err := resolver.New(fetcher, peers("a", "b"), c.Supervisor(),
		resolver.WithNamespace(testNamespace), fastRetries())
	require.NoError(t, err)

	subject.Request(1, 2, 3, 4)
	start(t, subject)

	require.Equal(t, certs, collect(t, subject, 4))
	calls := fetcher.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, peer.ID("b"), calls[1].peer)
	require.Equal(t, []uint64{3, 4}, calls[1].views)
}

func TestResolver_RejectsInvalidCertificates(t *testing.T) {
	c := newCommittee(t)
	other := newCommittee(t)
	certs := certificates(t, c, 3, 4)
	forged := certificates(t, other, 3, 4)
	fetcher := &mockFetcher{handlers: map[peer.ID]func(context.Context, []uint64) ([]*simplex.Certificate, error){
		"a": serving(forged),
		"b": serving(certs),
	}}
	subject, err := resolver.New(fetcher, peers("a", "b"), c.Supervisor(),
		resolver.WithNamespace(testNamespace), fastRetries())
	require.NoError(t, err)

	subject.Request(3)
	start(t, subject)
	require.Equal(t, map[uint64]*simplex.Certificate{3: certs[3]}, collect(t, subject, 1))

	// The peer that served a forged certificate is not asked again.
	subject.Request(4)
	require.Equal(t, map[uint64]*simplex.Certificate{4: certs[4]}, collect(t, subject, 1))
	calls := fetcher.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, peer.ID("a"), calls[0].peer)
	require.Equal(t, peer.ID("b"), calls[1].peer)
	require.Equal(t, peer.ID("b"), calls[2].peer)
}

func TestResolver_CancelAndAdvance(t *testing.T) {
	c := newCommittee(t)
	subject, err := resolver.New(&mockFetcher{}, peers(), c.Supervisor())
	require.NoError(t, err)

	subject.Request(1, 2, 3, 5)
	subject.Cancel(2)
	require.Equal(t, []uint64{1, 3, 5}, subject.Pending())

	subject.Advance(3)
	require.Equal(t, []uint64{3, 5}, subject.Pending())

	subject.Request(2, 4)
	require.Equal(t, []uint64{3, 4, 5}, subject.Pending())

	// Retention never moves backwards.
	subject.Advance(1)
	subject.Request(1)
	require.Equal(t, []uint64{3, 4, 5}, subject.Pending())
}

func TestResolver_RunOnce(t *testing.T) {
	c := newCommittee(t)
	subject, err := resolver.New(&mockFetcher{}, peers(), c.Supervisor())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, subject.Run(ctx))
	require.Error(t, subject.Run(ctx))
	_, open := <-subject.Outputs()
	require.False(t, open)
}

func TestOptions(t *testing.T) {
	c := newCommittee(t)
	for _, opt := range []resolver.Option{
		resolver.WithNamespace(""),
		resolver.WithFetchTimeout(0),
		resolver.WithFetchConcurrency(0),
		resolver.WithMaxViewsPerRequest(257),
		resolver.WithOutputBufferSize(-1),
		resolver.WithRetryBackoff(0.5, time.Second, time.Minute),
	} {
		_, err := resolver.New(&mockFetcher{}, peers(), c.Supervisor(), opt)
		require.Error(t, err)
	}
}
