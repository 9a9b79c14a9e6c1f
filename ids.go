package spandump

import (
	"math"
	"sync/atomic"
)

// idAllocator hands out span ids from [1, space] by walking a counter.
// Once the counter wraps, ids that are still in use are skipped.
type idAllocator struct {
	next  atomic.Uint64
	space uint64
}

func newIDAllocator(space uint64) *idAllocator {
	if space == 0 {
		space = math.MaxUint64
	}
	return &idAllocator{space: space}
}

func (a *idAllocator) candidate() SpanID {
	n := a.next.Add(1)
	return SpanID((n-1)%a.space + 1)
}

// allocate offers candidates to claim until one succeeds. claim must
// publish the id atomically, so two callers can never win the same id.
// live is the current number of live spans, used to fail fast.
//
// When a full pass finds nothing, reclaim is asked for an id that claim
// refused without it being live, such as a quarantined one. Ids above
// limit are out of range for reclaim. A nil reclaim skips this step.
func (a *idAllocator) allocate(live int, claim func(SpanID) bool, reclaim func(limit SpanID) (SpanID, bool)) (SpanID, error) {
	if live >= 0 && uint64(live) >= a.space {
		return 0, ErrAllocatorExhausted
	}
	for attempts := uint64(0); attempts < a.space; attempts++ {
		id := a.candidate()
		if claim(id) {
			return id, nil
		}
	}
	if reclaim != nil {
		if id, ok := reclaim(SpanID(a.space)); ok {
			return id, nil
		}
	}
	return 0, ErrAllocatorExhausted
}
