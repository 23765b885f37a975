// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"slices"

	"github.com/arbordb/arbor"
)

// Insert proposes a new tree version with key set to val. The path from the
// affected leaf to the root is copied; an existing key is overwritten inside
// the copied leaf without structural change. Overflowing nodes split, and the
// split propagates upward, possibly minting a root one level taller.
//
// Nothing is written: the returned Mutation carries the proposed block images.
func (tree Tree) Insert(pager arbor.Pager, root BlockID, key, val []byte) (mut Mutation, err error) {
	mut.OldRoot = root
	b := builder{pager: pager}

	if root == 0 {
		leaf := &node{
			leaf: true,
			keys: [][]byte{slices.Clone(key)},
			vals: [][]byte{slices.Clone(val)},
		}
		if mut.NewRoot, err = b.place(leaf); err != nil {
			return
		}
		mut.Pages, err = b.pages()
		return
	}

	path, index, err := tree.descend(pager, root, key)
	if err != nil {
		return
	}

	leaf := path[len(path)-1]
	at, found := leafIndex(leaf, key)
	if found {
		leaf.vals[at] = slices.Clone(val)
	} else {
		leaf.keys = slices.Insert(leaf.keys, at, slices.Clone(key))
		leaf.vals = slices.Insert(leaf.vals, at, slices.Clone(val))
	}

	// Bubble the copied (and possibly split) child up through the copied
	// ancestors.
	left := leaf
	var sep []byte
	var right *node
	if tree.overflowed(leaf) {
		left, sep, right = splitNode(leaf)
	}

	for i := len(path) - 2; i >= 0; i-- {
		parent, at := path[i], index[i]

		leftID, err := b.place(left)
		if err != nil {
			return mut, err
		}
		parent.children[at] = leftID

		if right != nil {
			rightID, err := b.place(right)
			if err != nil {
				return mut, err
			}
			parent.keys = slices.Insert(parent.keys, at, sep)
			parent.children = slices.Insert(parent.children, at+1, rightID)
		}

		left, sep, right = parent, nil, nil
		if tree.overflowed(parent) {
			left, sep, right = splitNode(parent)
		}
	}

	leftID, err := b.place(left)
	if err != nil {
		return
	}
	mut.NewRoot = leftID

	if right != nil {
		rightID, err := b.place(right)
		if err != nil {
			return mut, err
		}
		grown := &node{
			keys:     [][]byte{sep},
			children: []BlockID{leftID, rightID},
		}
		if mut.NewRoot, err = b.place(grown); err != nil {
			return mut, err
		}
	}

	mut.Pages, err = b.pages()
	return
}

// splitNode halves an overflowing node. For leaves the separator is the first
// key of the right half (which keeps it); for branches the middle key moves
// up and belongs to neither half.
func splitNode(n *node) (left *node, sep []byte, right *node) {
	mid := len(n.keys) / 2

	if n.leaf {
		right = &node{
			leaf: true,
			keys: slices.Clone(n.keys[mid:]),
			vals: slices.Clone(n.vals[mid:]),
		}
		n.keys = n.keys[:mid]
		n.vals = n.vals[:mid]
		return n, right.keys[0], right
	}

	sep = n.keys[mid]
	right = &node{
		keys:     slices.Clone(n.keys[mid+1:]),
		children: slices.Clone(n.children[mid+1:]),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	return n, sep, right
}
