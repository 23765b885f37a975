// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"slices"

	"github.com/arbordb/arbor"
)

// Delete proposes a new tree version without key. The path is copied like
// Insert; an underflowing copy borrows from a sibling when the sibling can
// spare an entry, or merges with it otherwise, propagating upward. A root
// branch left with a single child collapses the tree by one level; deleting
// the last key yields the empty tree (root 0).
//
// Absent keys report arbor.ErrNotFound and propose nothing.
func (tree Tree) Delete(pager arbor.Pager, root BlockID, key []byte) (mut Mutation, err error) {
	mut.OldRoot = root
	if root == 0 {
		err = arbor.ErrNotFound
		return
	}

	path, index, err := tree.descend(pager, root, key)
	if err != nil {
		return
	}

	leaf := path[len(path)-1]
	at, found := leafIndex(leaf, key)
	if !found {
		err = arbor.ErrNotFound
		return
	}
	leaf.keys = slices.Delete(leaf.keys, at, at+1)
	leaf.vals = slices.Delete(leaf.vals, at, at+1)

	b := builder{pager: pager}

	cur := leaf
	for i := len(path) - 2; i >= 0; i-- {
		parent, at := path[i], index[i]

		if !tree.underflowed(cur) {
			curID, err := b.place(cur)
			if err != nil {
				return mut, err
			}
			parent.children[at] = curID
			cur = parent
			continue
		}

		if err = tree.rebalance(pager, &b, parent, at, cur); err != nil {
			return
		}
		cur = parent
	}

	// Root bounds are looser: it only collapses, never borrows.
	switch {
	case !cur.leaf && len(cur.children) == 1:
		mut.NewRoot = cur.children[0]
	case cur.leaf && len(cur.keys) == 0:
		mut.NewRoot = 0
	default:
		if mut.NewRoot, err = b.place(cur); err != nil {
			return
		}
	}

	mut.Pages, err = b.pages()
	return
}

// rebalance fixes an underflowed copy of parent.children[at] by borrowing
// from or merging with an adjacent sibling. The sibling is copied too: it is
// modified, so the old image must stay untouched for older versions.
func (tree Tree) rebalance(pager arbor.Pager, b *builder, parent *node, at int, cur *node) (err error) {
	if at > 0 {
		left, err := loadNode(pager, parent.children[at-1])
		if err != nil {
			return err
		}

		if tree.canLend(left) {
			borrowFromLeft(parent, at, left, cur)
			if parent.children[at-1], err = b.place(left); err != nil {
				return err
			}
			parent.children[at], err = b.place(cur)
			return err
		}

		mergeNodes(parent, at-1, left, cur)
		if parent.children[at-1], err = b.place(left); err != nil {
			return err
		}
		parent.keys = slices.Delete(parent.keys, at-1, at)
		parent.children = slices.Delete(parent.children, at, at+1)
		return nil
	}

	right, err := loadNode(pager, parent.children[at+1])
	if err != nil {
		return err
	}

	if tree.canLend(right) {
		borrowFromRight(parent, at, cur, right)
		if parent.children[at], err = b.place(cur); err != nil {
			return err
		}
		parent.children[at+1], err = b.place(right)
		return err
	}

	mergeNodes(parent, at, cur, right)
	if parent.children[at], err = b.place(cur); err != nil {
		return err
	}
	parent.keys = slices.Delete(parent.keys, at, at+1)
	parent.children = slices.Delete(parent.children, at+1, at+2)
	return nil
}

// borrowFromLeft shifts the left sibling's last entry into cur and refreshes
// the separator at parent.keys[at-1].
func borrowFromLeft(parent *node, at int, left, cur *node) {
	last := len(left.keys) - 1

	if cur.leaf {
		cur.keys = slices.Insert(cur.keys, 0, left.keys[last])
		cur.vals = slices.Insert(cur.vals, 0, left.vals[last])
		left.keys = left.keys[:last]
		left.vals = left.vals[:last]
		parent.keys[at-1] = cur.keys[0]
		return
	}

	cur.keys = slices.Insert(cur.keys, 0, parent.keys[at-1])
	cur.children = slices.Insert(cur.children, 0, left.children[last+1])
	parent.keys[at-1] = left.keys[last]
	left.keys = left.keys[:last]
	left.children = left.children[:last+1]
}

// borrowFromRight shifts the right sibling's first entry into cur and
// refreshes the separator at parent.keys[at].
func borrowFromRight(parent *node, at int, cur, right *node) {
	if cur.leaf {
		cur.keys = append(cur.keys, right.keys[0])
		cur.vals = append(cur.vals, right.vals[0])
		right.keys = slices.Delete(right.keys, 0, 1)
		right.vals = slices.Delete(right.vals, 0, 1)
		parent.keys[at] = right.keys[0]
		return
	}

	cur.keys = append(cur.keys, parent.keys[at])
	cur.children = append(cur.children, right.children[0])
	parent.keys[at] = right.keys[0]
	right.keys = slices.Delete(right.keys, 0, 1)
	right.children = slices.Delete(right.children, 0, 1)
}

// mergeNodes folds right into left. sepAt is the parent separator between
// them; branches pull it down, leaves drop it.
func mergeNodes(parent *node, sepAt int, left, right *node) {
	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
		return
	}
	left.keys = append(left.keys, parent.keys[sepAt])
	left.keys = append(left.keys, right.keys...)
	left.children = append(left.children, right.children...)
}
