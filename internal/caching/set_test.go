package caching_test

import (
	"testing"

	"github.com/filecoin-project/go-tsimplex/internal/caching"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	subject := caching.NewSet(2)
	ns := []byte("votes")
	values := [][]byte{[]byte("fish"), []byte("lobster"), []byte("barreleye"), []byte("squid")}

	t.Run("does not contain unseen values", func(t *testing.T) {
		require.False(t, subject.ContainsOrAdd(ns, values[0]))
		require.False(t, subject.ContainsOrAdd(ns, values[1]))
	})
	t.Run("contains seen values", func(t *testing.T) {
		require.True(t, subject.Contains(ns, values[0]))
		require.True(t, subject.Contains(ns, values[1]))
	})
	t.Run("scopes values by namespace", func(t *testing.T) {
		require.False(t, subject.Contains([]byte("certs"), values[0]))
		require.False(t, subject.Contains(nil, append(ns, values[0]...)))
	})
	t.Run("evicts first half once 2X capacity is reached", func(t *testing.T) {
		require.False(t, subject.ContainsOrAdd(ns, values[2]))
		require.True(t, subject.Contains(ns, values[0]))
		require.True(t, subject.Contains(ns, values[1]))

		require.False(t, subject.ContainsOrAdd(ns, values[3]))
		require.False(t, subject.ContainsOrAdd(ns, values[0]))
		require.False(t, subject.ContainsOrAdd(ns, values[1]))
	})
}

func TestSet_MinSizeIsOne(t *testing.T) {
	subject := caching.NewSet(-1)
	require.False(t, subject.ContainsOrAdd(nil, []byte("a")))
	require.False(t, subject.ContainsOrAdd(nil, []byte("b")))
	require.False(t, subject.ContainsOrAdd(nil, []byte("c")))

	require.False(t, subject.ContainsOrAdd(nil, []byte("a")))
	require.True(t, subject.ContainsOrAdd(nil, []byte("a")))
}
