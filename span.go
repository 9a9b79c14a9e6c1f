package spandump

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "spandump"
)

// contextBundle holds both registry and span to reduce context allocations.
type contextBundle struct {
	registry *Registry
	span     *Span
}

// Span is a handle over one registered span.
// Safe for concurrent use by multiple goroutines; events issued through
// one handle are serialized.
type Span struct {
	registry *Registry
	id       SpanID
	mu       sync.Mutex
	closed   bool
}

// ID returns the span's id, or zero for a no-op span.
func (s *Span) ID() SpanID {
	if s == nil {
		return 0
	}
	return s.id
}

func (s *Span) noop() bool {
	return s == nil || s.registry == nil
}

// Enter marks the span as executing.
func (s *Span) Enter() error {
	if s.noop() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Enter(s.id)
}

// Exit undoes one Enter.
func (s *Span) Exit() error {
	if s.noop() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Exit(s.id)
}

// Run enters the span for the duration of fn.
func (s *Span) Run(fn func()) {
	if err := s.Enter(); err != nil && !isUnknown(err) {
		s.registry.logger.WithError(err).Debug("spandump: enter failed")
	}
	defer func() {
		if err := s.Exit(); err != nil && !isUnknown(err) {
			s.registry.logger.WithError(err).Debug("spandump: exit failed")
		}
	}()
	fn()
}

// Close removes the span from its registry.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Span) Close() error {
	if s.noop() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.registry.CloseSpan(s.id)
}

// SetField records a field on the span.
func (s *Span) SetField(key string, value any) error {
	if s.noop() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.RecordField(s.id, key, value)
}

// Context returns a context carrying this span, so spans started from it
// become its children.
func (s *Span) Context(parent context.Context) context.Context {
	if s.noop() {
		return parent
	}
	return context.WithValue(parent, bundleKey, &contextBundle{registry: s.registry, span: s})
}

// SpanFromContext extracts the current span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return bundle.span
	}
	return nil
}

// Start creates an idle span whose parent is the span carried by ctx,
// if that span belongs to this registry. If no id can be allocated a
// no-op span is returned and the failure is logged.
func (r *Registry) Start(ctx context.Context, target, name string, fields ...Field) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	var parent SpanID
	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok && bundle.registry == r {
		parent = bundle.span.id
	}

	id, err := r.Create(parent, target, name, fields...)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"target": target,
			"name":   name,
		}).WithError(err).Debug("spandump: span not tracked")
		return ctx, &Span{}
	}

	span := &Span{registry: r, id: id}
	return span.Context(ctx), span
}

// Instrument runs fn inside a new span that is entered for the whole call
// and closed afterwards.
func (r *Registry) Instrument(ctx context.Context, target, name string, fn func(context.Context) error, fields ...Field) error {
	ctx, span := r.Start(ctx, target, name, fields...)
	defer func() { _ = span.Close() }()

	var err error
	span.Run(func() { err = fn(ctx) })
	return err
}
