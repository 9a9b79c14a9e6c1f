package spandump

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// SpanNode is one live span as seen by a dump.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type SpanNode struct {
	ID           SpanID         `json:"id"`
	Parent       SpanID         `json:"parent,omitempty"`
	Name         string         `json:"name"`
	Target       string         `json:"target"`
	Fields       map[string]any `json:"fields,omitempty"`
	State        State          `json:"state"`
	EnteredCount int            `json:"entered_count"`
	TotalEntered time.Duration  `json:"total_entered_duration"`
	Created      time.Time      `json:"created"`
	Error        string         `json:"error,omitempty"`
	Children     []*SpanNode    `json:"children"`
}

// Forest is an immutable dump of the live spans, one tree per root.
type Forest struct {
	TakenAt   time.Time   `json:"taken_at"`
	Roots     []*SpanNode `json:"roots"`
	Count     int         `json:"count"`
	Truncated bool        `json:"truncated"`
}

// Walk visits every node depth first, parents before children.
// Returning false from fn stops the walk.
func (f *Forest) Walk(fn func(node *SpanNode, depth int) bool) {
	var visit func(n *SpanNode, depth int) bool
	visit = func(n *SpanNode, depth int) bool {
		if !fn(n, depth) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c, depth+1) {
				return false
			}
		}
		return true
	}
	for _, root := range f.Roots {
		if !visit(root, 0) {
			return
		}
	}
}

// Find returns the node for id, if the dump contains it.
func (f *Forest) Find(id SpanID) *SpanNode {
	var found *SpanNode
	f.Walk(func(n *SpanNode, _ int) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// candidate pairs a record with its immutable ordering keys so sorting
// never needs the record lock.
type candidate struct {
	rec     *spanRecord
	created time.Time
	seq     uint64
}

func compareCandidates(a, b candidate) int {
	if c := a.created.Compare(b.created); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

type builder struct {
	reg     *Registry
	forest  *Forest
	cfg     dumpConfig
	now     time.Time
	emitted map[uint64]struct{}
	path    map[uint64]struct{}
}

// Dump builds a forest of the spans live at roughly this instant.
// It never fails: when a bound is hit, or something goes wrong, the
// partial forest is returned with Truncated set.
func (r *Registry) Dump(opts ...DumpOption) (forest *Forest) {
	cfg := dumpConfig{includeFields: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	now := r.clock.Now()
	forest = &Forest{TakenAt: now, Roots: []*SpanNode{}}
	if r.detached.Load() {
		return forest
	}
	r.dumps.Add(1)

	defer func() {
		if p := recover(); p != nil {
			forest.Truncated = true
			r.logger.WithFields(logrus.Fields{
				"op":    "dump",
				"count": forest.Count,
			}).Errorf("spandump: dump aborted: %v", p)
		}
	}()

	b := &builder{
		reg:     r,
		forest:  forest,
		cfg:     cfg,
		now:     now,
		emitted: make(map[uint64]struct{}),
		path:    make(map[uint64]struct{}),
	}

	var listed, roots []candidate
	for _, rec := range r.store.all() {
		c := candidate{rec: rec, created: rec.created, seq: rec.seq}
		listed = append(listed, c)
		if r.isRoot(rec) {
			roots = append(roots, c)
		}
	}
	slices.SortFunc(roots, compareCandidates)
	b.emit(roots, "")

	// Spans no root led to: orphans of a parent that closed mid-dump, a
	// child caught between store and index, or a parent chain torn into
	// a loop. Only the last two are marked.
	if !forest.Truncated && forest.Count < len(listed) {
		slices.SortFunc(listed, compareCandidates)
		b.emit(listed, "unreachable from a root")
	}
	return forest
}

func (b *builder) emit(cands []candidate, mark string) {
	for _, c := range cands {
		if _, done := b.emitted[c.seq]; done {
			continue
		}
		if b.full() {
			b.forest.Truncated = true
			return
		}
		n := b.visit(c.rec, 1)
		if n == nil {
			continue
		}
		// A parent that closed after listing leaves a plain root.
		if mark != "" && n.Error == "" && !b.reg.isRoot(c.rec) {
			n.Error = mark
		}
		b.forest.Roots = append(b.forest.Roots, n)
	}
}

// isRoot reports whether rec has no live parent of the incarnation it
// was created under.
func (r *Registry) isRoot(rec *spanRecord) bool {
	if rec.parent == 0 || rec.parentSeq == 0 {
		return true
	}
	p, ok := r.store.get(rec.parent)
	return !ok || p.seq != rec.parentSeq
}

func (b *builder) full() bool {
	return b.cfg.maxNodes > 0 && b.forest.Count >= b.cfg.maxNodes
}

// visit emits rec and, within the bounds, its subtree. It returns nil
// when rec closed after it was listed or was already emitted.
func (b *builder) visit(rec *spanRecord, depth int) *SpanNode {
	if _, onPath := b.path[rec.seq]; onPath {
		b.forest.Count++
		return &SpanNode{
			ID:       rec.id,
			Parent:   rec.parent,
			Name:     rec.name,
			Target:   rec.target,
			Created:  rec.created,
			Error:    fmt.Sprintf("cycle through span %d", rec.id),
			Children: []*SpanNode{},
		}
	}
	if _, done := b.emitted[rec.seq]; done {
		return nil
	}

	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return nil
	}
	node := rec.node(b.now, b.cfg.includeFields)
	rec.mu.Unlock()

	b.emitted[rec.seq] = struct{}{}
	b.forest.Count++

	children := b.children(rec)
	if len(children) == 0 {
		return node
	}
	if b.cfg.maxDepth > 0 && depth >= b.cfg.maxDepth {
		b.forest.Truncated = true
		return node
	}

	b.path[rec.seq] = struct{}{}
	defer delete(b.path, rec.seq)

	for _, c := range children {
		if b.full() {
			b.forest.Truncated = true
			break
		}
		if child := b.visit(c.rec, depth+1); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// children returns the live children created under this incarnation of
// parent, oldest first.
func (b *builder) children(parent *spanRecord) []candidate {
	ids := b.reg.index.childrenOf(parent.id)
	if len(ids) == 0 {
		return nil
	}
	out := make([]candidate, 0, len(ids))
	for _, id := range ids {
		rec, ok := b.reg.store.get(id)
		if !ok || rec.parent != parent.id || rec.parentSeq != parent.seq {
			continue
		}
		out = append(out, candidate{rec: rec, created: rec.created, seq: rec.seq})
	}
	slices.SortFunc(out, compareCandidates)
	return out
}
