package spandump

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
)

const (
	// DefaultQuarantine is how long a closed span's id is held back from reuse.
	DefaultQuarantine = time.Second
	// DefaultMaxIntervals is how many enter intervals a span keeps before
	// folding the oldest into aggregates.
	DefaultMaxIntervals = 64
)

type config struct {
	clock           clockz.Clock
	logger          logrus.FieldLogger
	shards          int
	idSpace         uint64
	quarantine      time.Duration
	maxIntervals    int
	concurrentEntry bool
}

func defaultConfig() config {
	return config{
		clock:        clockz.RealClock,
		logger:       logrus.StandardLogger(),
		shards:       runtime.NumCPU() * 4,
		quarantine:   DefaultQuarantine,
		maxIntervals: DefaultMaxIntervals,
	}
}

// Option configures a Registry.
type Option func(*config)

// WithClock sets the clock used for every timestamp.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger inconsistencies are reported to.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithShards sets the number of store and index partitions.
// The value is rounded up to a power of two.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithIDSpace bounds span ids to [1, n]. Zero means the full uint64 range.
func WithIDSpace(n uint64) Option {
	return func(c *config) { c.idSpace = n }
}

// WithQuarantine sets how long a closed id is withheld from the allocator.
// Zero allows immediate reuse.
func WithQuarantine(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.quarantine = d
		}
	}
}

// WithMaxIntervals caps the enter intervals kept per span. Zero keeps all.
func WithMaxIntervals(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxIntervals = n
		}
	}
}

// WithConcurrentEntry allows one span to be entered from several
// goroutines at once. Every enter then opens its own interval and every
// exit closes the newest open one.
func WithConcurrentEntry(enabled bool) Option {
	return func(c *config) { c.concurrentEntry = enabled }
}

type dumpConfig struct {
	maxDepth      int
	maxNodes      int
	includeFields bool
}

// DumpOption bounds or shapes a dump.
type DumpOption func(*dumpConfig)

// MaxDepth limits how many levels are emitted; roots are level one.
// Zero means unlimited.
func MaxDepth(n int) DumpOption {
	return func(c *dumpConfig) {
		if n >= 0 {
			c.maxDepth = n
		}
	}
}

// MaxNodes limits the total number of nodes emitted. Zero means unlimited.
func MaxNodes(n int) DumpOption {
	return func(c *dumpConfig) {
		if n >= 0 {
			c.maxNodes = n
		}
	}
}

// IncludeFields controls whether span fields are copied into the dump.
func IncludeFields(include bool) DumpOption {
	return func(c *dumpConfig) { c.includeFields = include }
}
