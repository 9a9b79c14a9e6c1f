package spandump

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
)

// Watcher takes a dump of a registry at a fixed interval and buffers the
// results for export. Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Watcher struct {
	registry     *Registry
	clock        clockz.Clock
	forests      []*Forest
	dumpOpts     []DumpOption
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	stalledCount atomic.Int64
	interval     time.Duration
	stallAfter   time.Duration
	capacity     int
	mu           sync.Mutex
	stopOnce     sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WatchWith sets the options every periodic dump is taken with.
func WatchWith(opts ...DumpOption) WatcherOption {
	return func(w *Watcher) { w.dumpOpts = append(w.dumpOpts, opts...) }
}

// StallAfter logs every idle span older than d at each dump.
// Zero disables the check.
func StallAfter(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.stallAfter = d }
}

// NewWatcher starts a watcher over reg. A non-positive interval creates
// a watcher that only dumps when Tick is called.
func NewWatcher(reg *Registry, interval time.Duration, capacity int, opts ...WatcherOption) *Watcher {
	if capacity < 1 {
		capacity = 1
	}
	w := &Watcher{
		registry: reg,
		clock:    reg.clock,
		forests:  make([]*Forest, 0, min(capacity, 8)),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		interval: interval,
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(w)
	}
	if interval > 0 {
		go w.run()
	} else {
		close(w.done)
	}
	return w
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.clock.After(w.interval):
			w.Tick()
		}
	}
}

// Tick takes one dump now, buffers it and returns it. When the buffer is
// full the dump is dropped and the drop counter is incremented.
func (w *Watcher) Tick() *Forest {
	forest := w.registry.Dump(w.dumpOpts...)
	if w.stallAfter > 0 {
		w.reportStalls(forest)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.forests) >= w.capacity {
		w.droppedCount.Add(1)
		return forest
	}
	w.forests = append(w.forests, forest)
	return forest
}

func (w *Watcher) reportStalls(forest *Forest) {
	forest.Walk(func(n *SpanNode, depth int) bool {
		if n.Error != "" || n.State != StateIdle {
			return true
		}
		age := forest.TakenAt.Sub(n.Created)
		if age < w.stallAfter {
			return true
		}
		w.stalledCount.Add(1)
		w.registry.logger.WithFields(logrus.Fields{
			"span_id": n.ID,
			"name":    n.Name,
			"target":  n.Target,
			"age":     age,
			"entered": n.EnteredCount,
			"depth":   depth,
		}).Warn("spandump: span idle past stall threshold")
		return true
	})
}

// Export returns the buffered dumps and clears the buffer.
func (w *Watcher) Export() []*Forest {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.forests) == 0 {
		return nil
	}
	out := w.forests
	w.forests = make([]*Forest, 0, min(w.capacity, 8))
	return out
}

// Count returns the number of buffered dumps.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.forests)
}

// DroppedCount returns the number of dumps dropped because the buffer was full.
func (w *Watcher) DroppedCount() int64 {
	return w.droppedCount.Load()
}

// StalledCount returns how many stalled-span reports have been logged.
func (w *Watcher) StalledCount() int64 {
	return w.stalledCount.Load()
}

// Stop ends the periodic dumps and waits for the loop to exit.
// Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}
