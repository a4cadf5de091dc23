// Package interval implements an augmented AVL tree of closed intervals.
//
// Each node caches the largest end point found in its subtree, which lets
// overlap queries prune whole subtrees. Queries hand out Cursor values, so
// several traversals may be in flight at once; a cursor notices when the
// tree was modified underneath it and stops with ErrStale.
package interval

import (
	"errors"
	"iter"

	"github.com/monsterxx03/tracer/pkg/avl"
)

var (
	ErrExists = avl.ErrExists
	ErrStale  = errors.New("interval: tree modified during iteration")
	ErrBounds = errors.New("interval: start is greater than end")
)

// Bounds reports the closed interval [start, end] a value covers.
type Bounds[T any] func(v T) (start, end uint64)

// Node is a handle to a stored value.
type Node[T any] struct {
	Value T

	start, end uint64
	max        uint64
	n          *avl.Node[*Node[T]]
}

func (n *Node[T]) Start() uint64 { return n.start }
func (n *Node[T]) End() uint64   { return n.end }

// Tree stores intervals ordered by start, ties broken by cmp.
type Tree[T any] struct {
	t      *avl.Tree[*Node[T]]
	bounds Bounds[T]
	gen    uint64
}

// New returns an empty tree. cmp orders values with equal start points;
// values that compare equal are duplicates.
func New[T any](bounds Bounds[T], cmp func(a, b T) int) *Tree[T] {
	order := func(a, b *Node[T]) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		if cmp == nil {
			return 0
		}
		return cmp(a.Value, b.Value)
	}
	return &Tree[T]{
		t:      avl.NewAugmented(order, augment[T]),
		bounds: bounds,
	}
}

func augment[T any](an *avl.Node[*Node[T]]) {
	n := an.Value
	n.max = n.end
	if l := an.Left(); l != nil && l.Value.max > n.max {
		n.max = l.Value.max
	}
	if r := an.Right(); r != nil && r.Value.max > n.max {
		n.max = r.Value.max
	}
}

func (t *Tree[T]) Len() int { return t.t.Len() }

// Insert stores v. A duplicate returns the existing node with ErrExists.
func (t *Tree[T]) Insert(v T) (*Node[T], error) {
	s, e := t.bounds(v)
	if s > e {
		return nil, ErrBounds
	}
	n := &Node[T]{Value: v, start: s, end: e, max: e}
	an, err := t.t.Insert(n)
	if err != nil {
		return an.Value, err
	}
	n.n = an
	t.gen++
	return n, nil
}

// Delete removes n from the tree.
func (t *Tree[T]) Delete(n *Node[T]) {
	t.t.Delete(n.n)
	n.n = nil
	t.gen++
}

// Clear drops every node.
func (t *Tree[T]) Clear() {
	t.t.Clear()
	t.gen++
}

// All yields every value in start order.
func (t *Tree[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := range t.t.All() {
			if !yield(n.Value) {
				return
			}
		}
	}
}

// Find returns a cursor over every value overlapping [start, end].
func (t *Tree[T]) Find(start, end uint64) *Cursor[T] {
	c := &Cursor[T]{tree: t, gen: t.gen, qs: start, qe: end}
	if start > end {
		c.err = ErrBounds
		return c
	}
	c.descend(t.t.Root())
	return c
}

// FindExact returns a cursor over values whose bounds equal [start, end].
func (t *Tree[T]) FindExact(start, end uint64) *Cursor[T] {
	c := t.Find(start, end)
	c.exact = true
	return c
}

// Contains returns the first value covering addr.
func (t *Tree[T]) Contains(addr uint64) (T, bool) {
	c := t.Find(addr, addr)
	if c.Next() {
		return c.Value(), true
	}
	var zero T
	return zero, false
}

// Cursor walks the matches of a query in start order. Use it like
// bufio.Scanner:
//
//	c := tree.Find(lo, hi)
//	for c.Next() {
//		use(c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor[T any] struct {
	tree   *Tree[T]
	gen    uint64
	qs, qe uint64
	exact  bool

	stack []*avl.Node[*Node[T]]
	cur   *Node[T]
	err   error
}

// descend pushes the left spine of n, skipping subtrees that end before qs.
func (c *Cursor[T]) descend(n *avl.Node[*Node[T]]) {
	for n != nil && n.Value.max >= c.qs {
		c.stack = append(c.stack, n)
		n = n.Left()
	}
}

// Next advances to the following match and reports whether there is one.
func (c *Cursor[T]) Next() bool {
	if c.err != nil {
		return false
	}
	if c.gen != c.tree.gen {
		c.err = ErrStale
		c.cur = nil
		return false
	}
	for len(c.stack) > 0 {
		an := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		n := an.Value
		if n.start > c.qe {
			// every remaining node starts at or after this one
			c.stack = c.stack[:0]
			break
		}
		c.descend(an.Right())
		if n.end < c.qs {
			continue
		}
		if c.exact && (n.start != c.qs || n.end != c.qe) {
			continue
		}
		c.cur = n
		return true
	}
	c.cur = nil
	return false
}

// Value returns the current match. It panics when called without a
// preceding successful Next.
func (c *Cursor[T]) Value() T { return c.cur.Value }

// Node returns the current match's handle, suitable for Delete. Deleting it
// invalidates the cursor.
func (c *Cursor[T]) Node() *Node[T] { return c.cur }

func (c *Cursor[T]) Err() error { return c.err }
