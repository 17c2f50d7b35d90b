package resolver

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestPeerTracker(t *testing.T) {
	now := time.Unix(1000, 0)
	candidates := []peer.ID{"a", "b", "c"}
	subject := newPeerTracker()

	t.Run("unknown peers are picked in order", func(t *testing.T) {
		p, ok := subject.pick(now, candidates, nil)
		require.True(t, ok)
		require.Equal(t, peer.ID("a"), p)
	})
	t.Run("reliable peers are preferred", func(t *testing.T) {
		subject.recordHit("c", time.Millisecond)
		subject.recordMiss("a")
		p, ok := subject.pick(now, candidates, nil)
		require.True(t, ok)
		require.Equal(t, peer.ID("c"), p)
	})
	t.Run("excluded peers are avoided", func(t *testing.T) {
		p, ok := subject.pick(now, candidates, map[peer.ID]struct{}{"c": {}})
		require.True(t, ok)
		require.Equal(t, peer.ID("b"), p)
	})
	t.Run("excluded peers are used when none remain", func(t *testing.T) {
		p, ok := subject.pick(now, candidates, map[peer.ID]struct{}{"a": {}, "b": {}, "c": {}})
		require.True(t, ok)
		require.Equal(t, peer.ID("c"), p)
	})
	t.Run("failed peers back off", func(t *testing.T) {
		subject.recordFailure("c", now)
		p, ok := subject.pick(now, candidates, nil)
		require.True(t, ok)
		require.Equal(t, peer.ID("b"), p)

		p, ok = subject.pick(now.Add(time.Second), candidates, nil)
		require.True(t, ok)
		require.Equal(t, peer.ID("c"), p, "peer is picked again once its backoff expires")
	})
	t.Run("evil peers are never picked", func(t *testing.T) {
		subject.recordInvalid("a")
		subject.recordInvalid("b")
		p, ok := subject.pick(now, candidates, nil)
		require.True(t, ok)
		require.Equal(t, peer.ID("c"), p, "backed off peer is the last resort")

		subject.recordInvalid("c")
		_, ok = subject.pick(now, candidates, nil)
		require.False(t, ok)
	})
}
