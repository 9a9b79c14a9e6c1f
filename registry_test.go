package spandump

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	reg := New()
	defer reg.Detach()

	if reg == nil {
		t.Fatal("Expected registry to be created")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected 0 live spans initially, got %d", reg.Len())
	}
	if len(reg.store.shards)&(len(reg.store.shards)-1) != 0 {
		t.Errorf("Expected power-of-two shard count, got %d", len(reg.store.shards))
	}
}

func TestRootChildScenario(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	require.NoError(t, reg.CreateWithID(1, 0, "test", "root"))
	require.NoError(t, reg.CreateWithID(2, 1, "test", "child"))
	require.NoError(t, reg.Enter(1))
	require.NoError(t, reg.Enter(2))

	forest := reg.Dump()
	require.Len(t, forest.Roots, 1)
	root := forest.Roots[0]
	require.Equal(t, SpanID(1), root.ID)
	require.Equal(t, "root", root.Name)
	require.Equal(t, StateEntered, root.State)
	require.Len(t, root.Children, 1)
	child := root.Children[0]
	require.Equal(t, SpanID(2), child.ID)
	require.Equal(t, "child", child.Name)
	require.Equal(t, StateEntered, child.State)
	require.Empty(t, child.Children)
	require.False(t, forest.Truncated)

	require.NoError(t, reg.Exit(2))
	require.NoError(t, reg.CloseSpan(2))
	require.NoError(t, reg.Exit(1))
	require.NoError(t, reg.CloseSpan(1))

	forest = reg.Dump()
	require.Empty(t, forest.Roots)
	require.Equal(t, 0, forest.Count)
}

func TestReentrantEnterExit(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "recursive")

	require.NoError(t, reg.Enter(id))
	require.NoError(t, reg.Enter(id))
	require.NoError(t, reg.Exit(id))

	node, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, StateEntered, node.State)
	require.Equal(t, 1, node.EnteredCount)

	require.NoError(t, reg.Exit(id))
	node, _ = reg.Lookup(id)
	require.Equal(t, StateIdle, node.State)
	require.Equal(t, 1, node.EnteredCount)

	err := reg.Exit(id)
	require.ErrorIs(t, err, ErrNotEntered)
}

func TestExitWithoutEnter(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "idle")

	err := reg.Exit(id)
	if !errors.Is(err, ErrNotEntered) {
		t.Errorf("Expected ErrNotEntered, got %v", err)
	}

	node, _ := reg.Lookup(id)
	if node.State != StateIdle {
		t.Errorf("Expected span to stay idle, got %s", node.State)
	}
}

func TestUnknownSpanAfterClose(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "short-lived", String("k", "v"))
	require.NoError(t, reg.CloseSpan(id))

	require.ErrorIs(t, reg.Enter(id), ErrUnknownSpan)
	require.ErrorIs(t, reg.Exit(id), ErrUnknownSpan)
	require.ErrorIs(t, reg.CloseSpan(id), ErrUnknownSpan)
	require.ErrorIs(t, reg.RecordField(id, "k", "changed"), ErrUnknownSpan)

	_, ok := reg.Lookup(id)
	require.False(t, ok)
}

func TestClosedRecordIsFrozen(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "frozen", Int("n", 1))
	require.NoError(t, reg.Enter(id))
	clock.Advance(5 * time.Millisecond)
	require.NoError(t, reg.Exit(id))

	rec, ok := reg.store.get(id)
	require.True(t, ok)
	require.NoError(t, reg.CloseSpan(id))

	before := *rec.node(epoch, true)
	_ = reg.Enter(id)
	_ = reg.RecordField(id, "n", 2)
	clock.Advance(time.Second)
	after := *rec.node(epoch, true)

	require.True(t, rec.closed)
	require.Equal(t, before, after)
}

func TestCloseWhileEntered(t *testing.T) {
	reg, clock, hook := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "error-path")
	require.NoError(t, reg.Enter(id))
	clock.Advance(3 * time.Millisecond)

	rec, _ := reg.store.get(id)
	err := reg.CloseSpan(id)
	require.NoError(t, err, "forced close is repaired, not returned")

	require.Equal(t, 0, reg.Len())
	require.Equal(t, uint64(1), reg.Stats().Inconsistencies)
	require.Equal(t, 0, rec.depth)
	require.False(t, rec.intervals[0].exit.IsZero(), "open interval closed at close time")

	warns := warnings(hook)
	require.Len(t, warns, 1)
	require.ErrorIs(t, warns[0].Data["error"].(error), ErrCloseWhileEntered)
	require.Equal(t, id, warns[0].Data["span_id"])
}

func TestCreateWithIDDuplicate(t *testing.T) {
	reg, _, hook := newTestRegistry(t)
	require.NoError(t, reg.CreateWithID(7, 0, "test", "first"))

	err := reg.CreateWithID(7, 0, "test", "second")
	require.ErrorIs(t, err, ErrDuplicateSpanID)
	require.Len(t, warnings(hook), 1)

	node, ok := reg.Lookup(7)
	require.True(t, ok)
	require.Equal(t, "first", node.Name, "existing record left untouched")
	require.Equal(t, uint64(1), reg.Stats().Created)
}

func TestCreateWithIDZero(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.ErrorIs(t, reg.CreateWithID(0, 0, "test", "zero"), ErrDuplicateSpanID)
	require.Equal(t, 0, reg.Len())
}

func TestAllocatorExhausted(t *testing.T) {
	reg, _, _ := newTestRegistry(t, WithIDSpace(3), WithQuarantine(0))

	ids := make([]SpanID, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, mustCreate(t, reg, 0, fmt.Sprintf("span-%d", i)))
	}
	require.ElementsMatch(t, []SpanID{1, 2, 3}, ids)

	_, err := reg.Create(0, "test", "one-too-many")
	require.ErrorIs(t, err, ErrAllocatorExhausted)

	require.NoError(t, reg.CloseSpan(2))
	id, err := reg.Create(0, "test", "reuse")
	require.NoError(t, err)
	require.Equal(t, SpanID(2), id, "only free id after wraparound")
}

func TestQuarantineDelaysReuse(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, WithIDSpace(3), WithQuarantine(time.Second))

	a := mustCreate(t, reg, 0, "a")
	b := mustCreate(t, reg, 0, "b")
	require.NoError(t, reg.CloseSpan(a))

	c := mustCreate(t, reg, 0, "c")
	require.NotEqual(t, a, c, "a fresh id is preferred over a quarantined one")

	clock.Advance(10 * time.Millisecond)
	require.NoError(t, reg.CloseSpan(b))

	// Every id is live or quarantined: the one released first comes back.
	d := mustCreate(t, reg, 0, "d")
	require.Equal(t, a, d)
	e := mustCreate(t, reg, 0, "e")
	require.Equal(t, b, e)

	_, err := reg.Create(0, "test", "one-too-many")
	require.ErrorIs(t, err, ErrAllocatorExhausted)
}

func TestQuarantineNeverExhaustsIdleSpace(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, WithIDSpace(2), WithQuarantine(time.Second))

	a := mustCreate(t, reg, 0, "a")
	b := mustCreate(t, reg, 0, "b")
	require.NoError(t, reg.CloseSpan(a))
	require.NoError(t, reg.CloseSpan(b))
	require.Equal(t, 0, reg.Len())

	id, err := reg.Create(0, "test", "early")
	require.NoError(t, err)
	require.Equal(t, a, id)

	clock.Advance(time.Second)
	id, err = reg.Create(0, "test", "after-quarantine")
	require.NoError(t, err)
	require.Equal(t, b, id)
	require.Equal(t, 2, reg.Len())
}

func TestRecordFieldNormalizesValues(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "fields", String("s", "x"))

	require.NoError(t, reg.RecordField(id, "int", 42))
	require.NoError(t, reg.RecordField(id, "uint8", uint8(7)))
	require.NoError(t, reg.RecordField(id, "huge", ^uint64(0)))
	require.NoError(t, reg.RecordField(id, "float32", float32(1.5)))
	require.NoError(t, reg.RecordField(id, "bool", true))
	require.NoError(t, reg.RecordField(id, "duration", 2*time.Second))
	require.NoError(t, reg.RecordField(id, "err", errors.New("boom")))
	require.NoError(t, reg.RecordField(id, "slice", []int{1, 2}))
	require.NoError(t, reg.RecordField(id, "s", "replaced"))

	node, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, map[string]any{
		"s":        "replaced",
		"int":      int64(42),
		"uint8":    int64(7),
		"huge":     int64(9223372036854775807),
		"float32":  float64(1.5),
		"bool":     true,
		"duration": "2s",
		"err":      "boom",
		"slice":    "[1 2]",
	}, node.Fields)
}

func TestEnteredDurationAccounting(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "timed")

	require.NoError(t, reg.Enter(id))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, reg.Exit(id))

	clock.Advance(time.Hour) // idle time does not count

	require.NoError(t, reg.Enter(id))
	clock.Advance(5 * time.Millisecond)

	node, _ := reg.Lookup(id)
	require.Equal(t, StateEntered, node.State)
	require.Equal(t, 2, node.EnteredCount)
	require.Equal(t, 15*time.Millisecond, node.TotalEntered)
	require.True(t, node.Created.Equal(epoch))
}

func TestConcurrentEntryMode(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		id := mustCreate(t, reg, 0, "seq")
		require.NoError(t, reg.Enter(id))
		require.NoError(t, reg.Enter(id))

		rec, _ := reg.store.get(id)
		require.Len(t, rec.intervals, 1)
	})

	t.Run("concurrent", func(t *testing.T) {
		reg, clock, _ := newTestRegistry(t, WithConcurrentEntry(true))
		id := mustCreate(t, reg, 0, "parallel")
		require.NoError(t, reg.Enter(id))
		clock.Advance(time.Millisecond)
		require.NoError(t, reg.Enter(id))

		rec, _ := reg.store.get(id)
		require.Len(t, rec.intervals, 2)
		require.True(t, rec.intervals[0].exit.IsZero())
		require.True(t, rec.intervals[1].exit.IsZero())

		clock.Advance(time.Millisecond)
		require.NoError(t, reg.Exit(id))
		require.True(t, rec.intervals[0].exit.IsZero(), "oldest stays open")
		require.False(t, rec.intervals[1].exit.IsZero(), "newest closed first")

		node, _ := reg.Lookup(id)
		require.Equal(t, StateEntered, node.State)
		require.Equal(t, 2, node.EnteredCount)
		require.Equal(t, 3*time.Millisecond, node.TotalEntered)

		require.NoError(t, reg.Exit(id))
		node, _ = reg.Lookup(id)
		require.Equal(t, StateIdle, node.State)
	})
}

func TestIntervalFolding(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, WithMaxIntervals(2))
	id := mustCreate(t, reg, 0, "oscillating")

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Enter(id))
		clock.Advance(time.Millisecond)
		require.NoError(t, reg.Exit(id))
		clock.Advance(time.Millisecond)
	}

	rec, _ := reg.store.get(id)
	require.LessOrEqual(t, len(rec.intervals), 2)

	node, _ := reg.Lookup(id)
	require.Equal(t, 5, node.EnteredCount)
	require.Equal(t, 5*time.Millisecond, node.TotalEntered)
}

func TestStoreEmptyAfterEverySpanCloses(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	root := mustCreate(t, reg, 0, "root")
	var ids []SpanID
	for i := 0; i < 20; i++ {
		ids = append(ids, mustCreate(t, reg, root, fmt.Sprintf("child-%d", i)))
	}
	// Parent closes first; children outlive it.
	require.NoError(t, reg.CloseSpan(root))
	for _, id := range ids {
		require.NoError(t, reg.Enter(id))
		require.NoError(t, reg.Exit(id))
		require.NoError(t, reg.CloseSpan(id))
	}

	require.Equal(t, 0, reg.Len())
	require.Equal(t, 0, reg.index.size())
	stats := reg.Stats()
	require.Equal(t, stats.Created, stats.Closed)
}

func TestDetach(t *testing.T) {
	reg, _, hook := newTestRegistry(t)
	id := mustCreate(t, reg, 0, "attached")

	reg.Detach()
	reg.Detach()

	require.True(t, reg.Detached())
	require.ErrorIs(t, reg.Enter(id), ErrDetached)
	_, err := reg.Create(0, "test", "late")
	require.ErrorIs(t, err, ErrDetached)
	require.ErrorIs(t, reg.CreateWithID(99, 0, "test", "late"), ErrDetached)

	forest := reg.Dump()
	require.Empty(t, forest.Roots)
	require.Equal(t, 0, reg.Len())

	infos := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "spandump: registry detached" {
			infos++
		}
	}
	require.Equal(t, 1, infos)
}

func TestIndependentRegistries(t *testing.T) {
	a, _, _ := newTestRegistry(t)
	b, _, _ := newTestRegistry(t)

	mustCreate(t, a, 0, "only-in-a")

	require.Equal(t, 1, a.Len())
	require.Equal(t, 0, b.Len())
	require.Empty(t, b.Dump().Roots)
}
