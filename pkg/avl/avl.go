// Package avl implements a height balanced binary search tree.
//
// The tree is an index: it orders values with a caller supplied comparator
// and hands back *Node handles that stay valid until the node is deleted.
// Owners keep the handle next to their record so removal does not need a
// second lookup.
package avl

import (
	"errors"
	"iter"
)

// ErrExists is returned by Insert when a value comparing equal is already
// stored in the tree.
var ErrExists = errors.New("avl: key already exists")

// Node is a tree entry. Value must not be modified in a way that changes its
// ordering while the node is linked.
type Node[T any] struct {
	Value T

	left, right, parent *Node[T]
	height              int
}

func (n *Node[T]) Left() *Node[T]   { return n.left }
func (n *Node[T]) Right() *Node[T]  { return n.right }
func (n *Node[T]) Parent() *Node[T] { return n.parent }
func (n *Node[T]) Height() int      { return height(n) }

// Next returns the in-order successor of n, or nil.
func (n *Node[T]) Next() *Node[T] {
	if n.right != nil {
		return leftmost(n.right)
	}
	for n.parent != nil && n == n.parent.right {
		n = n.parent
	}
	return n.parent
}

// Prev returns the in-order predecessor of n, or nil.
func (n *Node[T]) Prev() *Node[T] {
	if n.left != nil {
		return rightmost(n.left)
	}
	for n.parent != nil && n == n.parent.left {
		n = n.parent
	}
	return n.parent
}

// Tree is an AVL tree ordered by cmp. The zero value is not usable, see New.
type Tree[T any] struct {
	root *Node[T]
	cmp  func(a, b T) int
	size int

	// augment is invoked bottom-up on every node whose subtree changed,
	// all the way to the root.
	augment func(n *Node[T])
}

// New returns an empty tree ordered by cmp.
func New[T any](cmp func(a, b T) int) *Tree[T] {
	return &Tree[T]{cmp: cmp}
}

// NewAugmented returns a tree that calls augment on each node whose subtree
// was modified, children before parents. Interval trees use it to maintain
// subtree maxima.
func NewAugmented[T any](cmp func(a, b T) int, augment func(n *Node[T])) *Tree[T] {
	return &Tree[T]{cmp: cmp, augment: augment}
}

func (t *Tree[T]) Len() int        { return t.size }
func (t *Tree[T]) Root() *Node[T]  { return t.root }
func (t *Tree[T]) Min() *Node[T]   { return leftmost(t.root) }
func (t *Tree[T]) Max() *Node[T]   { return rightmost(t.root) }
func (t *Tree[T]) Clear()          { t.root, t.size = nil, 0 }
func (t *Tree[T]) Find(v T) *Node[T] {
	return t.Search(func(x T) int { return t.cmp(v, x) })
}

// Search descends the tree with f, which reports how the wanted key compares
// to the visited value: negative goes left, positive goes right, zero stops.
func (t *Tree[T]) Search(f func(T) int) *Node[T] {
	n := t.root
	for n != nil {
		c := f(n.Value)
		switch {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// All yields the values in order. The tree must not be modified while the
// sequence is consumed.
func (t *Tree[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := t.Min(); n != nil; n = n.Next() {
			if !yield(n.Value) {
				return
			}
		}
	}
}

// Nodes yields the node handles in order.
func (t *Tree[T]) Nodes() iter.Seq[*Node[T]] {
	return func(yield func(*Node[T]) bool) {
		for n := t.Min(); n != nil; n = n.Next() {
			if !yield(n) {
				return
			}
		}
	}
}

// Insert links v into the tree. If an equal value exists, the existing node
// is returned together with ErrExists and the tree is left untouched.
func (t *Tree[T]) Insert(v T) (*Node[T], error) {
	var parent *Node[T]
	link := &t.root
	for *link != nil {
		parent = *link
		c := t.cmp(v, parent.Value)
		switch {
		case c < 0:
			link = &parent.left
		case c > 0:
			link = &parent.right
		default:
			return parent, ErrExists
		}
	}

	n := &Node[T]{Value: v, parent: parent, height: 1}
	*link = n
	t.size++
	if t.augment != nil {
		t.augment(n)
	}
	t.rebalance(parent)
	return n, nil
}

// Delete unlinks n, which must belong to t.
func (t *Tree[T]) Delete(n *Node[T]) {
	var start *Node[T]

	if n.left == nil && n.right == nil {
		t.replaceChild(n.parent, n, nil)
		start = n.parent
	} else {
		var r, child *Node[T]
		if height(n.left) > height(n.right) {
			r = rightmost(n.left)
			child = r.left
		} else {
			r = leftmost(n.right)
			child = r.right
		}

		rparent := r.parent
		t.replaceChild(rparent, r, child)
		if child != nil {
			child.parent = rparent
		}
		start = rparent
		if rparent == n {
			start = r
		}

		r.left, r.right, r.parent, r.height = n.left, n.right, n.parent, n.height
		if r.left != nil {
			r.left.parent = r
		}
		if r.right != nil {
			r.right.parent = r
		}
		t.replaceChild(n.parent, n, r)
	}

	n.left, n.right, n.parent = nil, nil, nil
	t.size--
	t.rebalance(start)
}

// rebalance walks from n to the root fixing heights and rotating where the
// balance factor reached two. It stops once a subtree height is unchanged,
// unless the tree is augmented, in which case the remaining ancestors are
// still refreshed.
func (t *Tree[T]) rebalance(n *Node[T]) {
	for n != nil {
		old := n.height
		sub := t.fix(n)
		if sub.height == old {
			n = sub.parent
			break
		}
		n = sub.parent
	}
	if t.augment == nil {
		return
	}
	for ; n != nil; n = n.parent {
		t.augment(n)
	}
}

func (t *Tree[T]) fix(n *Node[T]) *Node[T] {
	t.update(n)
	switch b := balance(n); {
	case b > 1:
		if balance(n.left) < 0 {
			t.rotateLeft(n.left)
		}
		return t.rotateRight(n)
	case b < -1:
		if balance(n.right) > 0 {
			t.rotateRight(n.right)
		}
		return t.rotateLeft(n)
	}
	return n
}

func (t *Tree[T]) rotateLeft(x *Node[T]) *Node[T] {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	t.replaceChild(x.parent, x, y)
	y.left = x
	x.parent = y
	t.update(x)
	t.update(y)
	return y
}

func (t *Tree[T]) rotateRight(x *Node[T]) *Node[T] {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	t.replaceChild(x.parent, x, y)
	y.right = x
	x.parent = y
	t.update(x)
	t.update(y)
	return y
}

func (t *Tree[T]) update(n *Node[T]) {
	n.height = 1 + max(height(n.left), height(n.right))
	if t.augment != nil {
		t.augment(n)
	}
}

func (t *Tree[T]) replaceChild(parent, old, n *Node[T]) {
	switch {
	case parent == nil:
		t.root = n
	case parent.left == old:
		parent.left = n
	default:
		parent.right = n
	}
}

func height[T any](n *Node[T]) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balance[T any](n *Node[T]) int {
	return height(n.left) - height(n.right)
}

func leftmost[T any](n *Node[T]) *Node[T] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func rightmost[T any](n *Node[T]) *Node[T] {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}
