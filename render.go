package spandump

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ddddddO/gtree"
)

// WriteText renders the forest as one tree per root.
func (f *Forest) WriteText(w io.Writer) error {
	if len(f.Roots) == 0 {
		if _, err := fmt.Fprintln(w, "no live spans"); err != nil {
			return err
		}
	}
	for _, root := range f.Roots {
		tree := gtree.NewRoot(nodeLabel(root))
		addChildren(tree, root)
		if err := gtree.OutputFromRoot(w, tree); err != nil {
			return fmt.Errorf("spandump: render span %d: %w", root.ID, err)
		}
	}
	if f.Truncated {
		if _, err := fmt.Fprintf(w, "(truncated after %d spans)\n", f.Count); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON encodes the forest as indented JSON.
func (f *Forest) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

func addChildren(parent *gtree.Node, n *SpanNode) {
	for _, c := range n.Children {
		addChildren(parent.Add(nodeLabel(c)), c)
	}
}

// nodeLabel formats one line, e.g.
//
//	charge [billing] #12 entered entered=3 busy=1.2ms user=42
func nodeLabel(n *SpanNode) string {
	var b strings.Builder
	b.WriteString(labelText(n.Name))
	if n.Target != "" {
		fmt.Fprintf(&b, " [%s]", labelText(n.Target))
	}
	fmt.Fprintf(&b, " #%d %s entered=%d busy=%s", n.ID, n.State, n.EnteredCount, n.TotalEntered.Round(time.Microsecond))
	for _, k := range slices.Sorted(maps.Keys(n.Fields)) {
		fmt.Fprintf(&b, " %s=%s", labelText(k), labelText(fmt.Sprint(n.Fields[k])))
	}
	if n.Error != "" {
		fmt.Fprintf(&b, " !%s", labelText(n.Error))
	}
	return b.String()
}

// labelText quotes s when it holds characters, such as newlines, that
// would break the tree layout.
func labelText(s string) string {
	if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsPrint(r) }) < 0 {
		return s
	}
	return strconv.Quote(s)
}
