package spandump

import (
	"maps"
	"sync"
	"time"
)

// State is the lifecycle state of a live span.
type State uint8

const (
	// StateIdle means the span is alive but no goroutine is inside it.
	StateIdle State = iota
	// StateEntered means at least one enter has not been matched by an exit.
	StateEntered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEntered:
		return "entered"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// interval is one enter/exit pair. A zero exit means still open.
type interval struct {
	enter time.Time
	exit  time.Time
}

// spanRecord is the mutable state of one live span.
// Every field below mu is guarded by it; id, seq and the parent link are
// written once before the record is published.
//
//nolint:govet // Field order groups immutable identity before mutable state
type spanRecord struct {
	id        SpanID
	parent    SpanID
	seq       uint64
	parentSeq uint64
	name      string
	target    string
	created   time.Time

	mu          sync.Mutex
	fields      map[string]any
	intervals   []interval
	depth       int
	foldedCount int
	foldedBusy  time.Duration
	closed      bool
}

func newRecord(id, parent SpanID, parentSeq uint64, target, name string, created time.Time, fields []Field) *spanRecord {
	rec := &spanRecord{
		id:        id,
		parent:    parent,
		parentSeq: parentSeq,
		name:      name,
		target:    target,
		created:   created,
	}
	if len(fields) > 0 {
		rec.fields = make(map[string]any, len(fields))
		for _, f := range fields {
			rec.fields[f.Key] = normalizeValue(f.Value)
		}
	}
	return rec
}

func (r *spanRecord) state() State {
	if r.depth > 0 {
		return StateEntered
	}
	return StateIdle
}

// enter must be called with r.mu held.
func (r *spanRecord) enter(now time.Time, concurrent bool, maxIntervals int) {
	r.depth++
	if concurrent || r.depth == 1 {
		r.intervals = append(r.intervals, interval{enter: now})
		r.fold(maxIntervals)
	}
}

// exit must be called with r.mu held.
func (r *spanRecord) exit(now time.Time, concurrent bool) error {
	if r.depth == 0 {
		return ErrNotEntered
	}
	r.depth--
	if concurrent || r.depth == 0 {
		r.closeNewestOpen(now)
	}
	return nil
}

// finish marks the record closed, closing any open interval at now.
// It reports whether the span was still entered. Must be called with r.mu held.
func (r *spanRecord) finish(now time.Time) bool {
	wasEntered := r.depth > 0
	for i := range r.intervals {
		if r.intervals[i].exit.IsZero() {
			r.intervals[i].exit = now
		}
	}
	r.depth = 0
	r.closed = true
	return wasEntered
}

func (r *spanRecord) closeNewestOpen(now time.Time) {
	for i := len(r.intervals) - 1; i >= 0; i-- {
		if r.intervals[i].exit.IsZero() {
			r.intervals[i].exit = now
			return
		}
	}
}

// fold collapses the oldest closed intervals into the aggregate counters
// once more than limit intervals are held.
func (r *spanRecord) fold(limit int) {
	if limit <= 0 || len(r.intervals) <= limit {
		return
	}
	n := 0
	for n < len(r.intervals)-limit && !r.intervals[n].exit.IsZero() {
		r.foldedCount++
		r.foldedBusy += r.intervals[n].exit.Sub(r.intervals[n].enter)
		n++
	}
	if n > 0 {
		r.intervals = append(r.intervals[:0], r.intervals[n:]...)
	}
}

func (r *spanRecord) setField(key string, value any) {
	if r.fields == nil {
		r.fields = make(map[string]any)
	}
	r.fields[key] = normalizeValue(value)
}

// node copies the record into a childless SpanNode. Must be called with r.mu held.
func (r *spanRecord) node(now time.Time, includeFields bool) *SpanNode {
	n := &SpanNode{
		ID:           r.id,
		Parent:       r.parent,
		Name:         r.name,
		Target:       r.target,
		State:        r.state(),
		EnteredCount: r.foldedCount + len(r.intervals),
		Created:      r.created,
		Children:     []*SpanNode{},
	}
	busy := r.foldedBusy
	for _, iv := range r.intervals {
		end := iv.exit
		if end.IsZero() {
			end = now
		}
		if end.After(iv.enter) {
			busy += end.Sub(iv.enter)
		}
	}
	n.TotalEntered = busy
	if includeFields && len(r.fields) > 0 {
		n.Fields = maps.Clone(r.fields)
	}
	return n
}
