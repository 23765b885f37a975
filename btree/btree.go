// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

// Package btree implements the copy-on-write B-tree over fixed-size blocks.
//
// Every version of the tree is named by its root block address. Mutations
// never touch existing blocks: they propose freshly-allocated block images
// along the copied path and return the new root, leaving the old version
// fully readable. The tree itself performs no writes; committing the proposal
// is the journal's job, and retiring the old path is the retention manager's.
package btree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/arbordb/arbor"
)

type BlockID = arbor.BlockID

// Tree carries the fanout configuration. The zero value is invalid; use a
// MaxFanout of at least 4.
//
// MaxFanout bounds children per branch; a leaf holds at most MaxFanout-1
// pairs. Non-root branches keep at least (MaxFanout+1)/2 children and
// non-root leaves at least MaxFanout/2 pairs, so splits and merges stay
// closed under the bounds.
type Tree struct {
	MaxFanout int
}

// Validate reports whether the fanout configuration is usable.
func (tree Tree) Validate() error {
	if tree.MaxFanout < 4 {
		return fmt.Errorf("max fanout %d: %w", tree.MaxFanout, arbor.ErrInvalidFanout)
	}
	return nil
}

func (tree Tree) maxLeafKeys() int   { return tree.MaxFanout - 1 }
func (tree Tree) minLeafKeys() int   { return tree.MaxFanout / 2 }
func (tree Tree) maxBranchKeys() int { return tree.MaxFanout - 1 }
func (tree Tree) minBranchKeys() int { return (tree.MaxFanout+1)/2 - 1 }

// MaxNodeSize returns the largest encoded node possible under the given key
// and value length limits, for sizing block payloads.
func (tree Tree) MaxNodeSize(maxKeySize, maxValueSize int) int {
	keyPart := uvarintLen(maxKeySize) + maxKeySize
	leaf := headSize + tree.maxLeafKeys()*(keyPart+uvarintLen(maxValueSize)+maxValueSize)
	branch := headSize + 4 + tree.maxBranchKeys()*(keyPart+4)
	return max(leaf, branch)
}

func (tree Tree) overflowed(n *node) bool {
	if n.leaf {
		return len(n.keys) > tree.maxLeafKeys()
	}
	return len(n.keys) > tree.maxBranchKeys()
}

func (tree Tree) underflowed(n *node) bool {
	if n.leaf {
		return len(n.keys) < tree.minLeafKeys()
	}
	return len(n.keys) < tree.minBranchKeys()
}

func (tree Tree) canLend(n *node) bool {
	if n.leaf {
		return len(n.keys) > tree.minLeafKeys()
	}
	return len(n.keys) > tree.minBranchKeys()
}

// childIndex returns which child of a branch covers key: the number of
// separators <= key. Separators name the first key of their right subtree.
func childIndex(n *node, key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// leafIndex returns the position of key in a leaf, or where it would insert.
func leafIndex(n *node, key []byte) (index int, found bool) {
	index = sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})
	found = index < len(n.keys) && bytes.Equal(n.keys[index], key)
	return
}

// Get returns the value stored under key in the version rooted at root.
// It never allocates blocks; absent keys report arbor.ErrNotFound.
// The returned slice is the caller's to keep.
func (tree Tree) Get(reader arbor.BlockReader, root BlockID, key []byte) (val []byte, err error) {
	if root == 0 {
		err = arbor.ErrNotFound
		return
	}

	for blockID := root; ; {
		n, err := loadNode(reader, blockID)
		if err != nil {
			return nil, err
		}
		if !n.leaf {
			blockID = n.children[childIndex(n, key)]
			continue
		}

		index, found := leafIndex(n, key)
		if !found {
			return nil, arbor.ErrNotFound
		}
		return n.vals[index], nil
	}
}

// PageImage is one proposed block of a mutation: the address reserved for it,
// its encoded payload and, for branches, its child addresses.
type PageImage struct {
	ID       BlockID
	Image    []byte
	Children []BlockID
}

// Mutation is the outcome of a copy-on-write Insert or Delete: the replacement
// root, every proposed block image, and the root it replaces. The caller
// commits the pages as one transaction and then retires the old path.
type Mutation struct {
	OldRoot BlockID
	NewRoot BlockID
	Pages   []PageImage
}

// NewPage reports whether blockID is one of the blocks minted by this
// mutation.
func (mut *Mutation) NewPage(blockID BlockID) bool {
	for i := range mut.Pages {
		if mut.Pages[i].ID == blockID {
			return true
		}
	}
	return false
}

// builder accumulates the proposed nodes of one mutation and resolves them to
// block images at the end.
type builder struct {
	pager arbor.Pager
	ids   []BlockID
	nodes []*node
}

// place reserves an address for a proposed node.
func (b *builder) place(n *node) (blockID BlockID, err error) {
	if blockID, err = b.pager.Allocate(); err != nil {
		return
	}
	b.ids = append(b.ids, blockID)
	b.nodes = append(b.nodes, n)
	return
}

func (b *builder) pages() (pages []PageImage, err error) {
	pageSize := b.pager.PageSize()
	pages = make([]PageImage, 0, len(b.ids))
	for i, n := range b.nodes {
		image := make([]byte, pageSize)
		if err = n.encode(image); err != nil {
			return nil, err
		}
		pages = append(pages, PageImage{
			ID:       b.ids[i],
			Image:    image,
			Children: n.children,
		})
	}
	return
}

// descend loads the path from root to the leaf covering key. Every node is a
// decoded private copy, free to mutate. index[i] is the child taken out of
// path[i].
func (tree Tree) descend(reader arbor.BlockReader, root BlockID, key []byte) (path []*node, index []int, err error) {
	for blockID := root; ; {
		n, err := loadNode(reader, blockID)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, n)
		if n.leaf {
			return path, index, nil
		}
		at := childIndex(n, key)
		index = append(index, at)
		blockID = n.children[at]
	}
}

// Depth returns the number of levels in the version rooted at root
// (0 for an empty tree).
func (tree Tree) Depth(reader arbor.BlockReader, root BlockID) (depth int, err error) {
	if root == 0 {
		return
	}
	for blockID := root; ; {
		n, err := loadNode(reader, blockID)
		if err != nil {
			return 0, err
		}
		depth++
		if n.leaf {
			return depth, nil
		}
		blockID = n.children[0]
	}
}

// Check walks the whole version rooted at root and verifies the structural
// invariants: strictly sorted keys, fanout bounds on non-root nodes, uniform
// leaf depth and separator consistency.
func (tree Tree) Check(reader arbor.BlockReader, root BlockID) error {
	if root == 0 {
		return nil
	}
	_, err := tree.check(reader, root, true, nil, nil)
	return err
}

func (tree Tree) check(reader arbor.BlockReader, blockID BlockID, isRoot bool, low, high []byte) (depth int, err error) {
	n, err := loadNode(reader, blockID)
	if err != nil {
		return
	}

	for i, key := range n.keys {
		if i > 0 && bytes.Compare(n.keys[i-1], key) >= 0 {
			return 0, fmt.Errorf("block %d: keys out of order", blockID)
		}
		if low != nil && bytes.Compare(key, low) < 0 {
			return 0, fmt.Errorf("block %d: key below separator", blockID)
		}
		if high != nil && bytes.Compare(key, high) >= 0 {
			return 0, fmt.Errorf("block %d: key above separator", blockID)
		}
	}

	if n.leaf {
		if !isRoot && (len(n.keys) < tree.minLeafKeys() || len(n.keys) > tree.maxLeafKeys()) {
			return 0, fmt.Errorf("block %d: leaf holds %d keys", blockID, len(n.keys))
		}
		return 1, nil
	}

	if !isRoot && (len(n.keys) < tree.minBranchKeys() || len(n.keys) > tree.maxBranchKeys()) {
		return 0, fmt.Errorf("block %d: branch holds %d keys", blockID, len(n.keys))
	}
	if isRoot && len(n.children) < 2 {
		return 0, fmt.Errorf("block %d: root branch holds %d children", blockID, len(n.children))
	}

	for i, child := range n.children {
		childLow, childHigh := low, high
		if i > 0 {
			childLow = n.keys[i-1]
		}
		if i < len(n.keys) {
			childHigh = n.keys[i]
		}
		childDepth, err := tree.check(reader, child, false, childLow, childHigh)
		if err != nil {
			return 0, err
		}
		if depth == 0 {
			depth = childDepth
		} else if depth != childDepth {
			return 0, fmt.Errorf("block %d: uneven leaf depth", blockID)
		}
	}
	return depth + 1, nil
}
