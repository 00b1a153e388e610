package stats

import (
	"errors"
	"fmt"
	"sort"

	"smcflow/internal/wire"
)

var ErrIncomplete = errors.New("partial summaries do not cover the ensemble")

// Node is a vertex of the canonical reduction tree over particle indices
// [0, total): the root covers everything and every inner node [lo, hi)
// splits at lo + (hi-lo)/2. Leaves are single particles.
type Node struct {
	Lo int
	Hi int
}

func (n Node) leaf() bool { return n.Hi-n.Lo == 1 }

func (n Node) children() (Node, Node) {
	mid := n.Lo + (n.Hi-n.Lo)/2
	return Node{n.Lo, mid}, Node{mid, n.Hi}
}

// Partial is the summary of the particles under one tree node.
type Partial struct {
	Node
	Summary
}

// Tree reduces summaries along the canonical tree. Every node value is the
// Merge of its two children, so the root is bit-identical however the
// particles were split across ranks and tasks.
type Tree struct {
	Total int
}

// Cover returns the maximal tree nodes lying inside [lo, hi), in index order.
func (t Tree) Cover(lo, hi int) []Node {
	var out []Node
	var walk func(n Node)
	walk = func(n Node) {
		if n.Hi <= lo || n.Lo >= hi {
			return
		}
		if n.Lo >= lo && n.Hi <= hi {
			out = append(out, n)
			return
		}
		left, right := n.children()
		walk(left)
		walk(right)
	}
	if t.Total > 0 && lo < hi {
		walk(Node{0, t.Total})
	}
	return out
}

// Build summarizes node n from per-particle values returned by point.
func (t Tree) Build(n Node, point func(i int) ([]float64, float64)) Summary {
	if n.leaf() {
		x, w := point(n.Lo)
		return Point(x, w)
	}
	left, right := n.children()
	return Merge(t.Build(left, point), t.Build(right, point))
}

// Summarize builds the canonical partials covering [lo, hi).
func (t Tree) Summarize(lo, hi int, point func(i int) ([]float64, float64)) []Partial {
	nodes := t.Cover(lo, hi)
	out := make([]Partial, len(nodes))
	for i, n := range nodes {
		out[i] = Partial{Node: n, Summary: t.Build(n, point)}
	}
	return out
}

func (t Tree) parent(n Node) (Node, bool) {
	cur := Node{0, t.Total}
	for {
		if cur == n || cur.leaf() {
			return Node{}, false
		}
		left, right := cur.children()
		switch {
		case left == n || right == n:
			return cur, true
		case n.Hi <= left.Hi:
			cur = left
		default:
			cur = right
		}
	}
}

// Reduce merges sibling partials upward until no two siblings remain. The
// result is sorted by index and independent of the input order.
func (t Tree) Reduce(parts []Partial) []Partial {
	pending := make(map[Node]Summary, len(parts))
	for _, p := range parts {
		pending[p.Node] = p.Summary
	}
	for {
		merged := false
		keys := sortedNodes(pending)
		for _, n := range keys {
			if _, ok := pending[n]; !ok {
				continue
			}
			parent, ok := t.parent(n)
			if !ok {
				continue
			}
			left, right := parent.children()
			ls, lok := pending[left]
			rs, rok := pending[right]
			if !lok || !rok {
				continue
			}
			delete(pending, left)
			delete(pending, right)
			pending[parent] = Merge(ls, rs)
			merged = true
		}
		if !merged {
			break
		}
	}
	out := make([]Partial, 0, len(pending))
	for _, n := range sortedNodes(pending) {
		out = append(out, Partial{Node: n, Summary: pending[n]})
	}
	return out
}

// Root reduces parts and returns the summary of the whole ensemble.
func (t Tree) Root(parts []Partial) (Summary, error) {
	reduced := t.Reduce(parts)
	if len(reduced) != 1 || reduced[0].Node != (Node{0, t.Total}) {
		return Summary{}, fmt.Errorf("%w: %d disjoint nodes remain", ErrIncomplete, len(reduced))
	}
	return reduced[0].Summary, nil
}

func sortedNodes(m map[Node]Summary) []Node {
	keys := make([]Node, 0, len(m))
	for n := range m {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Lo != keys[j].Lo {
			return keys[i].Lo < keys[j].Lo
		}
		return keys[i].Hi > keys[j].Hi
	})
	return keys
}

// EncodePartials serializes partials for transfer to the coordinating rank.
func EncodePartials(parts []Partial, dim int) []byte {
	w := wire.NewWriter(16 + len(parts)*(24+16*dim))
	w.Int(len(parts))
	for _, p := range parts {
		w.Int(p.Lo)
		w.Int(p.Hi)
		p.Summary.encode(w)
	}
	return w.Bytes()
}

func DecodePartials(buf []byte, dim int) ([]Partial, error) {
	r := wire.NewReader(buf)
	n := r.Int()
	if n < 0 {
		return nil, fmt.Errorf("decode partials: negative count %d", n)
	}
	out := make([]Partial, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		node := Node{Lo: r.Int(), Hi: r.Int()}
		out = append(out, Partial{Node: node, Summary: decodeSummary(r, dim)})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode partials: %w", err)
	}
	return out, nil
}
