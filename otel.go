package spandump

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanProcessor feeds OpenTelemetry spans into a Registry so that a dump
// shows every otel span still in progress. Register it on an sdk
// TracerProvider with sdktrace.WithSpanProcessor.
//
// A started otel span is treated as entered until it ends.
type SpanProcessor struct {
	registry *Registry
	ids      sync.Map // trace.SpanID -> SpanID
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor creates a processor feeding reg.
func NewSpanProcessor(reg *Registry) *SpanProcessor {
	return &SpanProcessor{registry: reg}
}

// OnStart is part of the sdktrace.SpanProcessor interface.
func (p *SpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	var parentID SpanID
	if psc := trace.SpanContextFromContext(parent); psc.IsValid() {
		if v, ok := p.ids.Load(psc.SpanID()); ok {
			parentID = v.(SpanID)
		}
	}

	attrs := s.Attributes()
	fields := make([]Field, 0, len(attrs))
	for _, kv := range attrs {
		fields = append(fields, Field{Key: string(kv.Key), Value: kv.Value.AsInterface()})
	}

	id, err := p.registry.Create(parentID, s.InstrumentationScope().Name, s.Name(), fields...)
	if err != nil {
		p.registry.logger.WithFields(logrus.Fields{
			"otel_span_id": s.SpanContext().SpanID().String(),
			"name":         s.Name(),
		}).WithError(err).Warn("spandump: otel span not tracked")
		return
	}
	if err := p.registry.Enter(id); err != nil {
		p.registry.logger.WithError(err).Debug("spandump: otel span enter failed")
	}
	p.ids.Store(s.SpanContext().SpanID(), id)
}

// OnEnd is part of the sdktrace.SpanProcessor interface.
func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	v, ok := p.ids.LoadAndDelete(s.SpanContext().SpanID())
	if !ok {
		return
	}
	id := v.(SpanID)
	if err := p.registry.Exit(id); err != nil && !isUnknown(err) {
		p.registry.logger.WithError(err).Debug("spandump: otel span exit failed")
	}
	if err := p.registry.CloseSpan(id); err != nil && !isUnknown(err) {
		p.registry.logger.WithError(err).Debug("spandump: otel span close failed")
	}
}

// Shutdown is part of the sdktrace.SpanProcessor interface.
func (p *SpanProcessor) Shutdown(context.Context) error {
	return nil
}

// ForceFlush is part of the sdktrace.SpanProcessor interface.
func (p *SpanProcessor) ForceFlush(context.Context) error {
	return nil
}

// Tracked returns the number of otel spans currently mapped.
func (p *SpanProcessor) Tracked() int {
	n := 0
	p.ids.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
