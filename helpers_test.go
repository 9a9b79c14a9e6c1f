package spandump

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/zoobzio/clockz"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestRegistry returns a registry on a fake clock whose log output is
// captured by the returned hook.
func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *clockz.FakeClock, *test.Hook) {
	t.Helper()

	clock := clockz.NewFakeClockAt(epoch)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	base := []Option{WithClock(clock), WithLogger(logger), WithShards(4)}
	reg := New(append(base, opts...)...)
	t.Cleanup(reg.Detach)
	return reg, clock, hook
}

func mustCreate(t *testing.T, reg *Registry, parent SpanID, name string, fields ...Field) SpanID {
	t.Helper()
	id, err := reg.Create(parent, "test", name, fields...)
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return id
}

func warnings(hook *test.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e)
		}
	}
	return out
}
