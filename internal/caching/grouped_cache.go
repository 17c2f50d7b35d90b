package caching

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("tsimplex/internal/caching")

// GroupedSet is a collection of Sets, one per group. Groups are views: once a
// view is pruned its whole set is dropped with RemoveGroupsLessThan. When
// maxGroups is reached the least recently used group is evicted, so a flood of
// messages for far-off views cannot grow the cache without bound.
type GroupedSet struct {
	maxSetSize int
	spare      sync.Pool

	mu     sync.Mutex
	groups *simplelru.LRU[uint64, *Set]
}

func NewGroupedSet(maxGroups, maxSetSize int) *GroupedSet {
	gs := &GroupedSet{maxSetSize: maxSetSize}
	gs.spare.New = func() any { return NewSet(gs.maxSetSize) }
	// NewLRU only fails on a non-positive size.
	gs.groups, _ = simplelru.NewLRU[uint64, *Set](max(1, maxGroups), gs.recycle)
	return gs
}

func (gs *GroupedSet) recycle(group uint64, set *Set) {
	set.Clear()
	gs.spare.Put(set)
	log.Debugw("Evicted grouped set from cache", "group", group)
}

// Contains checks if the given value at given group is present, and if so
// updates the recency of the group.
func (gs *GroupedSet) Contains(g uint64, namespace, v []byte) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	set, ok := gs.groups.Get(g)
	return ok && set.Contains(namespace, v)
}

// Add adds the value to the given group, and reports whether it was absent.
func (gs *GroupedSet) Add(g uint64, namespace, v []byte) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	set, ok := gs.groups.Get(g)
	if !ok {
		set = gs.spare.Get().(*Set)
		gs.groups.Add(g, set)
	}
	return !set.ContainsOrAdd(namespace, v)
}

// RemoveGroupsLessThan drops every group below the given one, and reports
// whether any was present.
func (gs *GroupedSet) RemoveGroupsLessThan(group uint64) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	var removed bool
	for _, g := range gs.groups.Keys() {
		if g < group {
			removed = gs.groups.Remove(g) || removed
		}
	}
	return removed
}
