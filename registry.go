package spandump

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
)

// Registry tracks every live span and drives each one through its
// lifecycle. Safe for concurrent use by multiple goroutines.
//
// A Registry is explicitly constructed and passed to whoever emits
// events; several independent registries can coexist.
//
//nolint:govet // Field order optimized for functionality over memory
type Registry struct {
	clock        clockz.Clock
	logger       logrus.FieldLogger
	store        *spanStore
	index        *hierarchyIndex
	ids          *idAllocator
	quarantine   time.Duration
	maxIntervals int
	concurrent   bool

	seq             atomic.Uint64
	detached        atomic.Bool
	created         atomic.Uint64
	closed          atomic.Uint64
	inconsistencies atomic.Uint64
	dumps           atomic.Uint64
}

// Stats is a point-in-time view of a registry's counters.
type Stats struct {
	Live            int    `json:"live"`
	Created         uint64 `json:"created"`
	Closed          uint64 `json:"closed"`
	Inconsistencies uint64 `json:"inconsistencies"`
	Dumps           uint64 `json:"dumps"`
}

// New creates a registry attached and ready to receive events.
func New(opts ...Option) *Registry {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		clock:        cfg.clock,
		logger:       cfg.logger,
		store:        newSpanStore(cfg.shards),
		index:        newHierarchyIndex(cfg.shards),
		ids:          newIDAllocator(cfg.idSpace),
		quarantine:   cfg.quarantine,
		maxIntervals: cfg.maxIntervals,
		concurrent:   cfg.concurrentEntry,
	}
}

// Create registers a new idle span and returns its freshly allocated id.
// A parent that is zero or no longer live makes the span a root.
func (r *Registry) Create(parent SpanID, target, name string, fields ...Field) (SpanID, error) {
	if r.detached.Load() {
		return 0, opError("create", 0, ErrDetached)
	}

	now := r.clock.Now()
	rec := r.newRecord(parent, target, name, now, fields)
	id, err := r.ids.allocate(r.store.len(), func(id SpanID) bool {
		rec.id = id
		return r.store.reserve(id, rec, now)
	}, func(limit SpanID) (SpanID, bool) {
		return r.store.reclaim(rec, limit)
	})
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"op":   "create",
			"name": name,
			"live": r.store.len(),
		}).Error("spandump: no span id available")
		return 0, opError("create", 0, err)
	}

	r.link(rec)
	return id, nil
}

// CreateWithID registers a new idle span under an id chosen by the host.
// A live duplicate is reported and left untouched.
func (r *Registry) CreateWithID(id, parent SpanID, target, name string, fields ...Field) error {
	if r.detached.Load() {
		return opError("create", id, ErrDetached)
	}
	if id == 0 {
		return opError("create", id, ErrDuplicateSpanID)
	}

	now := r.clock.Now()
	rec := r.newRecord(parent, target, name, now, fields)
	rec.id = id
	if err := r.store.insert(id, rec); err != nil {
		r.inconsistencies.Add(1)
		r.logger.WithFields(logrus.Fields{
			"op":      "create",
			"span_id": id,
			"name":    name,
		}).WithError(err).Warn("spandump: span id already live")
		return opError("create", id, err)
	}

	r.link(rec)
	return nil
}

func (r *Registry) newRecord(parent SpanID, target, name string, now time.Time, fields []Field) *spanRecord {
	var parentSeq uint64
	if parent != 0 {
		// A parent that already closed is not waited for; the span becomes a root.
		if p, ok := r.store.get(parent); ok {
			parentSeq = p.seq
		}
	}
	rec := newRecord(0, parent, parentSeq, target, name, now, fields)
	rec.seq = r.seq.Add(1)
	return rec
}

func (r *Registry) link(rec *spanRecord) {
	if rec.parentSeq != 0 {
		r.index.add(rec.parent, rec.id)
	}
	r.created.Add(1)
}

// Enter marks the span as executing. Entering an entered span nests.
func (r *Registry) Enter(id SpanID) error {
	rec, err := r.live("enter", id)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return opError("enter", id, ErrUnknownSpan)
	}
	rec.enter(now, r.concurrent, r.maxIntervals)
	return nil
}

// Exit undoes one Enter. The span goes idle when its depth reaches zero.
func (r *Registry) Exit(id SpanID) error {
	rec, err := r.live("exit", id)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return opError("exit", id, ErrUnknownSpan)
	}
	if err := rec.exit(now, r.concurrent); err != nil {
		return opError("exit", id, err)
	}
	return nil
}

// CloseSpan removes the span. Closing a span that is still entered is
// repaired by closing its open intervals and logged; it is not an error.
// The span's children are left alone and show up as roots from now on.
func (r *Registry) CloseSpan(id SpanID) error {
	rec, err := r.live("close", id)
	if err != nil {
		return err
	}

	// The child set goes first so a later incarnation of this id never
	// loses children registered after the store entry is gone.
	r.index.drop(id)

	now := r.clock.Now()
	if !r.store.remove(id, rec, now, r.quarantine) {
		return opError("close", id, ErrUnknownSpan)
	}

	rec.mu.Lock()
	wasEntered := rec.finish(now)
	rec.mu.Unlock()

	if rec.parentSeq != 0 {
		r.index.remove(rec.parent, id)
	}
	r.closed.Add(1)

	if wasEntered {
		r.inconsistencies.Add(1)
		r.logger.WithFields(logrus.Fields{
			"op":      "close",
			"span_id": id,
			"name":    rec.name,
		}).WithError(ErrCloseWhileEntered).Warn("spandump: forced close of entered span")
	}
	return nil
}

// RecordField sets or replaces one field on a live span.
func (r *Registry) RecordField(id SpanID, key string, value any) error {
	rec, err := r.live("record", id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return opError("record", id, ErrUnknownSpan)
	}
	rec.setField(key, value)
	return nil
}

// Lookup returns a childless view of one live span.
func (r *Registry) Lookup(id SpanID) (SpanNode, bool) {
	if r.detached.Load() {
		return SpanNode{}, false
	}
	rec, ok := r.store.get(id)
	if !ok {
		return SpanNode{}, false
	}

	now := r.clock.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return SpanNode{}, false
	}
	return *rec.node(now, true), true
}

// Len returns the number of live spans.
func (r *Registry) Len() int {
	return r.store.len()
}

// Stats returns the registry's counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Live:            r.store.len(),
		Created:         r.created.Load(),
		Closed:          r.closed.Load(),
		Inconsistencies: r.inconsistencies.Load(),
		Dumps:           r.dumps.Load(),
	}
}

// Detach disconnects the registry from its host. Later lifecycle calls
// fail with ErrDetached and dumps are empty. Safe to call more than once.
func (r *Registry) Detach() {
	if !r.detached.CompareAndSwap(false, true) {
		return
	}
	live := r.store.len()
	r.store.reset()
	r.index.reset()
	r.logger.WithField("live", live).Info("spandump: registry detached")
}

// Detached reports whether Detach has been called.
func (r *Registry) Detached() bool {
	return r.detached.Load()
}

func (r *Registry) live(op string, id SpanID) (*spanRecord, error) {
	if r.detached.Load() {
		return nil, opError(op, id, ErrDetached)
	}
	rec, ok := r.store.get(id)
	if !ok {
		return nil, opError(op, id, ErrUnknownSpan)
	}
	return rec, nil
}

// isUnknown reports whether err means the span is gone, which adapters
// treat as a benign race rather than a failure.
func isUnknown(err error) bool {
	return errors.Is(err, ErrUnknownSpan) || errors.Is(err, ErrDetached)
}
