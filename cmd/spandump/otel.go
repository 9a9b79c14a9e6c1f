package main

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/spandump"
)

// newTracerProvider builds a provider whose spans are mirrored into reg.
// With a non-nil export writer, ended spans are also printed there.
func newTracerProvider(reg *spandump.Registry, export io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSpanProcessor(spandump.NewSpanProcessor(reg)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "spandump-demo"))),
	}
	if export != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(export), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// otelTask is task driven through an otel tracer. Otel spans count as
// entered from start to end, so every level shows up entered.
func otelTask(ctx context.Context, tracer trace.Tracer, worker, depth int, release <-chan struct{}) {
	if depth <= 0 {
		ctx, span := tracer.Start(ctx, "park", trace.WithAttributes(attribute.Int("worker", worker)))
		defer span.End()
		wait(ctx, release)
		return
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("level-%d", depth),
		trace.WithAttributes(attribute.Int("worker", worker)))
	defer span.End()
	otelTask(ctx, tracer, worker, depth-1, release)
}
