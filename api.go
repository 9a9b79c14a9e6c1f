// Package spandump tracks every span that has been created but not yet
// closed, and produces point-in-time dumps of them on demand.
//
// A goroutine dump shows what is running. It does not show work that is
// parked between suspension points and holds no stack at all. spandump
// keeps a live registry of spans so that such work shows up too.
//
// Core Components:
//   - Registry: receives create/enter/exit/close events and owns all state.
//   - Forest: an immutable dump of the live spans, built by Registry.Dump.
//   - Span: a context-friendly handle over a registered span.
//   - Watcher: takes periodic dumps and buffers them for export.
//   - SpanProcessor: feeds OpenTelemetry spans into a Registry.
//
// Basic Usage:
//
//	reg := spandump.New()
//	defer reg.Detach()
//
//	ctx, span := reg.Start(ctx, "billing", "charge", spandump.String("user", "42"))
//	defer span.Close()
//
//	span.Enter()
//	// ... work ...
//	span.Exit()
//
//	forest := reg.Dump(spandump.MaxNodes(500))
//	forest.WriteText(os.Stderr)
//
// Thread Safety:
//
// Registry is safe for concurrent use. Events for one span must be
// ordered by the caller; events for different spans may arrive from any
// goroutine at any time. Dump never blocks lifecycle events for longer
// than it takes to copy one shard's pointers.
//
// Consistency:
//
// A dump is not a globally atomic snapshot. Each node is read under its
// span's lock and is internally consistent, but the set of spans may be
// a few microseconds stale relative to the true global state.
package spandump

import (
	"fmt"
	"math"
)

// SpanID identifies a live span. Zero means "no span".
type SpanID uint64

// Field is a key-value pair attached to a span.
type Field struct {
	Value any
	Key   string
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an integer field. The value is stored as an int64.
func Int(key string, value int) Field { return Field{Key: key, Value: int64(value)} }

// Int64 returns an integer field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Float returns a floating point field.
func Float(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool returns a boolean field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// normalizeValue maps an arbitrary value onto the four supported kinds:
// string, int64, float64 and bool.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case string, int64, float64, bool:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return saturate(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return saturate(x)
	case float32:
		return float64(x)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func saturate(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}
