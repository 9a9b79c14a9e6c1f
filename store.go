package spandump

import (
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// quarantinePurgeAt is the quarantine size above which a shard sweeps
// expired entries on removal.
const quarantinePurgeAt = 64

// storeShard holds the live spans whose id maps onto it, plus ids that
// closed recently and may not be reissued yet.
type storeShard struct {
	live       map[SpanID]*spanRecord
	quarantine map[SpanID]time.Time
	mu         sync.RWMutex
}

// spanStore maps span ids to their records. Mutation is partitioned by
// id so that unrelated spans never contend on the same lock.
type spanStore struct {
	shards []storeShard
	mask   uint64
	count  atomic.Int64
}

func newSpanStore(shards int) *spanStore {
	n := nextPowerOfTwo(shards)
	s := &spanStore{
		shards: make([]storeShard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i].live = make(map[SpanID]*spanRecord)
		s.shards[i].quarantine = make(map[SpanID]time.Time)
	}
	return s
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *spanStore) shardFor(id SpanID) *storeShard {
	return &s.shards[uint64(id)&s.mask]
}

// insert publishes rec under a caller-chosen id.
func (s *spanStore) insert(id SpanID, rec *spanRecord) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.live[id]; ok {
		return ErrDuplicateSpanID
	}
	sh.live[id] = rec
	delete(sh.quarantine, id)
	s.count.Add(1)
	return nil
}

// reserve publishes rec under id only if id is neither live nor still
// quarantined at now. Used by the allocator.
func (s *spanStore) reserve(id SpanID, rec *spanRecord, now time.Time) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.live[id]; ok {
		return false
	}
	if release, ok := sh.quarantine[id]; ok {
		if now.Before(release) {
			return false
		}
		delete(sh.quarantine, id)
	}
	sh.live[id] = rec
	s.count.Add(1)
	return true
}

// reclaim publishes rec under the quarantined id, no greater than limit,
// whose quarantine ends first. It reports false when no such id is left.
func (s *spanStore) reclaim(rec *spanRecord, limit SpanID) (SpanID, bool) {
	for {
		id, ok := s.earliestQuarantined(limit)
		if !ok {
			return 0, false
		}

		sh := s.shardFor(id)
		sh.mu.Lock()
		_, live := sh.live[id]
		_, held := sh.quarantine[id]
		if !live && held {
			delete(sh.quarantine, id)
			rec.id = id
			sh.live[id] = rec
			s.count.Add(1)
			sh.mu.Unlock()
			return id, true
		}
		// Taken by another caller since the scan.
		sh.mu.Unlock()
	}
}

func (s *spanStore) earliestQuarantined(limit SpanID) (SpanID, bool) {
	var (
		best    SpanID
		release time.Time
		found   bool
	)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id, at := range sh.quarantine {
			if id > limit {
				continue
			}
			if !found || at.Before(release) || (at.Equal(release) && id < best) {
				best, release, found = id, at, true
			}
		}
		sh.mu.RUnlock()
	}
	return best, found
}

func (s *spanStore) get(id SpanID) (*spanRecord, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	rec, ok := sh.live[id]
	sh.mu.RUnlock()
	return rec, ok
}

// remove unpublishes id if it still maps to rec. With a positive
// quarantine the id is held back from the allocator until now+quarantine.
func (s *spanStore) remove(id SpanID, rec *spanRecord, now time.Time, quarantine time.Duration) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.live[id]; !ok || cur != rec {
		return false
	}
	delete(sh.live, id)
	s.count.Add(-1)

	if quarantine > 0 {
		if len(sh.quarantine) >= quarantinePurgeAt {
			for qid, release := range sh.quarantine {
				if !now.Before(release) {
					delete(sh.quarantine, qid)
				}
			}
		}
		sh.quarantine[id] = now.Add(quarantine)
	}
	return true
}

func (s *spanStore) len() int {
	return int(s.count.Load())
}

// all yields every live record. Each shard is copied under its read
// lock and released before anything is yielded, so the sequence is
// consistent per shard but not across shards.
func (s *spanStore) all() iter.Seq2[SpanID, *spanRecord] {
	return func(yield func(SpanID, *spanRecord) bool) {
		var buf []*spanRecord
		for i := range s.shards {
			sh := &s.shards[i]
			sh.mu.RLock()
			buf = buf[:0]
			for _, rec := range sh.live {
				buf = append(buf, rec)
			}
			sh.mu.RUnlock()

			for _, rec := range buf {
				if !yield(rec.id, rec) {
					return
				}
			}
		}
	}
}

// reset drops every live and quarantined entry.
func (s *spanStore) reset() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n := len(sh.live)
		sh.live = make(map[SpanID]*spanRecord)
		sh.quarantine = make(map[SpanID]time.Time)
		sh.mu.Unlock()
		s.count.Add(int64(-n))
	}
}
