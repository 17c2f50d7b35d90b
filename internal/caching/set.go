package caching

import (
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Set is a bounded set of byte strings, each scoped by a namespace. Values are
// stored as their BLAKE2b-256 digest.
//
// Set keeps two maps of up to maxSize entries. Once the active one fills up the
// older one is cleared and the two swap, so membership is remembered for
// between maxSize and twice maxSize of the most recent insertions.
type Set struct {
	maxSize int
	// mu protects access to flip and flop.
	mu   sync.Mutex
	flip map[[32]byte]struct{}
	flop map[[32]byte]struct{}
}

// NewSet creates a new Set with a specified max size per subset. The max size
// cannot be less than 1; if it is the set will silently be instantiated with
// max size of 1.
func NewSet(maxSize int) *Set {
	maxSize = max(1, maxSize)
	return &Set{
		maxSize: maxSize,
		flip:    make(map[[32]byte]struct{}, maxSize),
		flop:    make(map[[32]byte]struct{}, maxSize),
	}
}

func key(namespace, v []byte) [32]byte {
	hasher, _ := blake2b.New256(nil)
	_, _ = hasher.Write(binary.AppendUvarint(nil, uint64(len(namespace))))
	_, _ = hasher.Write(namespace)
	_, _ = hasher.Write(v)
	var k [32]byte
	hasher.Sum(k[:0])
	return k
}

// Contains checks if v is present under namespace.
func (ss *Set) Contains(namespace, v []byte) bool {
	k := key(namespace, v)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.has(k)
}

// ContainsOrAdd checks if v is present under namespace, and if not adds it.
func (ss *Set) ContainsOrAdd(namespace, v []byte) bool {
	k := key(namespace, v)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.has(k) {
		return true
	}
	ss.flip[k] = struct{}{}
	if len(ss.flip) >= ss.maxSize {
		clear(ss.flop)
		ss.flop, ss.flip = ss.flip, ss.flop
		log.Debugw("Cleared flop and swapped subsets as max size is reached", "maxSize", ss.maxSize)
	}
	return false
}

func (ss *Set) has(k [32]byte) bool {
	if _, exists := ss.flip[k]; exists {
		return true
	}
	_, exists := ss.flop[k]
	return exists
}

// Clear removes all elements in the set.
func (ss *Set) Clear() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	clear(ss.flip)
	clear(ss.flop)
}
