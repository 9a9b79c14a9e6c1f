package spandump

import "sync"

type hierarchyShard struct {
	children map[SpanID]map[SpanID]struct{}
	mu       sync.Mutex
}

// hierarchyIndex maps a parent id to the ids of its live children, so a
// dump can walk down from the roots without scanning the whole store.
// Entries are keyed by id only; callers compare creation sequence
// numbers to discard entries left over from an earlier incarnation.
type hierarchyIndex struct {
	shards []hierarchyShard
	mask   uint64
}

func newHierarchyIndex(shards int) *hierarchyIndex {
	n := nextPowerOfTwo(shards)
	h := &hierarchyIndex{
		shards: make([]hierarchyShard, n),
		mask:   uint64(n - 1),
	}
	for i := range h.shards {
		h.shards[i].children = make(map[SpanID]map[SpanID]struct{})
	}
	return h
}

func (h *hierarchyIndex) shardFor(parent SpanID) *hierarchyShard {
	return &h.shards[uint64(parent)&h.mask]
}

func (h *hierarchyIndex) add(parent, child SpanID) {
	sh := h.shardFor(parent)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.children[parent]
	if !ok {
		set = make(map[SpanID]struct{}, 1)
		sh.children[parent] = set
	}
	set[child] = struct{}{}
}

// remove deletes child from parent's set and prunes the set once empty.
func (h *hierarchyIndex) remove(parent, child SpanID) {
	sh := h.shardFor(parent)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.children[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		delete(sh.children, parent)
	}
}

// drop forgets every child registered under parent.
func (h *hierarchyIndex) drop(parent SpanID) {
	sh := h.shardFor(parent)
	sh.mu.Lock()
	delete(sh.children, parent)
	sh.mu.Unlock()
}

func (h *hierarchyIndex) childrenOf(parent SpanID) []SpanID {
	sh := h.shardFor(parent)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set := sh.children[parent]
	if len(set) == 0 {
		return nil
	}
	ids := make([]SpanID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// size returns the number of parents that currently hold children.
func (h *hierarchyIndex) size() int {
	n := 0
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		n += len(sh.children)
		sh.mu.Unlock()
	}
	return n
}

func (h *hierarchyIndex) reset() {
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		sh.children = make(map[SpanID]map[SpanID]struct{})
		sh.mu.Unlock()
	}
}
