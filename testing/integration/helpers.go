// Package integration exercises a Registry the way instrumented programs
// drive it: many goroutines emitting events while dumps are taken.
package integration

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/zoobzio/spandump"
)

// NewRegistry creates a registry whose log output is captured by the
// returned hook and which is detached when the test ends.
func NewRegistry(t *testing.T, opts ...spandump.Option) (*spandump.Registry, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	reg := spandump.New(append([]spandump.Option{spandump.WithLogger(logger)}, opts...)...)
	t.Cleanup(reg.Detach)
	return reg, hook
}

// incarnation tells apart two spans that held the same id one after the
// other; a dump racing id reuse may legitimately list both.
type incarnation struct {
	id      spandump.SpanID
	created time.Time
}

// ForestAnalyzer indexes a dump for assertions.
type ForestAnalyzer struct {
	forest  *spandump.Forest
	byID    map[incarnation][]*spandump.SpanNode
	byName  map[string][]*spandump.SpanNode
	parents map[*spandump.SpanNode]*spandump.SpanNode
	errors  []*spandump.SpanNode
}

// NewForestAnalyzer walks forest once and indexes every node.
func NewForestAnalyzer(forest *spandump.Forest) *ForestAnalyzer {
	a := &ForestAnalyzer{
		forest:  forest,
		byID:    make(map[incarnation][]*spandump.SpanNode),
		byName:  make(map[string][]*spandump.SpanNode),
		parents: make(map[*spandump.SpanNode]*spandump.SpanNode),
	}

	var index func(n, parent *spandump.SpanNode)
	index = func(n, parent *spandump.SpanNode) {
		if n.Error != "" {
			a.errors = append(a.errors, n)
		}
		if !strings.HasPrefix(n.Error, "cycle") {
			key := incarnation{id: n.ID, created: n.Created}
			a.byID[key] = append(a.byID[key], n)
			a.byName[n.Name] = append(a.byName[n.Name], n)
		}
		if parent != nil {
			a.parents[n] = parent
		}
		for _, c := range n.Children {
			index(c, n)
		}
	}
	for _, root := range forest.Roots {
		index(root, nil)
	}
	return a
}

// Nodes returns the number of distinct spans in the dump.
func (a *ForestAnalyzer) Nodes() int {
	return len(a.byID)
}

// ByName returns every node with the given name.
func (a *ForestAnalyzer) ByName(name string) []*spandump.SpanNode {
	return a.byName[name]
}

// Errors returns every node marked with an error.
func (a *ForestAnalyzer) Errors() []*spandump.SpanNode {
	return a.errors
}

// Verify checks the structural guarantees every dump must keep: each span
// appears once, each child names its tree parent, and children are in
// creation order.
func (a *ForestAnalyzer) Verify() error {
	for key, nodes := range a.byID {
		if len(nodes) > 1 {
			return fmt.Errorf("span %d appears %d times", key.id, len(nodes))
		}
	}
	for child, parent := range a.parents {
		if strings.HasPrefix(child.Error, "cycle") {
			continue
		}
		if child.Parent != parent.ID {
			return fmt.Errorf("span %d listed under %d but its parent is %d", child.ID, parent.ID, child.Parent)
		}
	}

	var err error
	a.forest.Walk(func(n *spandump.SpanNode, _ int) bool {
		for i := 1; i < len(n.Children); i++ {
			if n.Children[i].Created.Before(n.Children[i-1].Created) {
				err = fmt.Errorf("children of span %d out of creation order", n.ID)
				return false
			}
		}
		return true
	})
	return err
}

// Depth returns the deepest level in the dump, roots being one.
func (a *ForestAnalyzer) Depth() int {
	deepest := 0
	a.forest.Walk(func(_ *spandump.SpanNode, depth int) bool {
		deepest = max(deepest, depth+1)
		return true
	})
	return deepest
}

// Print renders the dump for failure messages.
func Print(forest *spandump.Forest) string {
	var sb strings.Builder
	if err := forest.WriteText(&sb); err != nil {
		return err.Error()
	}
	return sb.String()
}
