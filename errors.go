package spandump

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSpanID reports a create for an id that is already live.
	ErrDuplicateSpanID = errors.New("duplicate span id")
	// ErrUnknownSpan reports an event for an id that is not live.
	ErrUnknownSpan = errors.New("unknown span")
	// ErrNotEntered reports an exit for a span with zero entry depth.
	ErrNotEntered = errors.New("span not entered")
	// ErrCloseWhileEntered reports a close of a span that was still entered.
	// The close goes ahead; the error is only logged.
	ErrCloseWhileEntered = errors.New("span closed while entered")
	// ErrAllocatorExhausted reports that every id in the id space is in use.
	ErrAllocatorExhausted = errors.New("span id space exhausted")
	// ErrDetached reports an event on a detached registry.
	ErrDetached = errors.New("registry detached")
)

func opError(op string, id SpanID, err error) error {
	return fmt.Errorf("spandump: %s span %d: %w", op, id, err)
}
