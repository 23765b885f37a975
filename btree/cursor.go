// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"bytes"
	"iter"

	"github.com/arbordb/arbor"
)

// Cursor walks one tree version in ascending key order. It is anchored to the
// root it was opened on: commits that produce newer roots never disturb it,
// because every block it touches is immutable for as long as that root is
// retained.
//
// Usage:
//
//	cursor := tree.Cursor(reader, root, start, end)
//	for cursor.Next() {
//	    key, val := cursor.Key(), cursor.Val()
//	}
//	if err := cursor.Err(); err != nil {
//	    // handle error
//	}
type Cursor struct {
	reader  arbor.BlockReader
	stack   []cursorFrame
	start   []byte
	end     []byte
	err     error
	started bool
	done    bool
}

type cursorFrame struct {
	n  *node
	at int
}

// Cursor opens a cursor over [start, end) on the version rooted at root.
// A nil start begins at the first key; a nil end runs to the last.
func (tree Tree) Cursor(reader arbor.BlockReader, root BlockID, start, end []byte) *Cursor {
	cursor := &Cursor{
		reader: reader,
		start:  start,
		end:    end,
	}
	if root == 0 {
		cursor.done = true
		return cursor
	}
	cursor.seek(root)
	return cursor
}

// seek descends to the leaf position of the first key >= start.
func (cursor *Cursor) seek(root BlockID) {
	for blockID := root; ; {
		n, err := loadNode(cursor.reader, blockID)
		if err != nil {
			cursor.err = err
			cursor.done = true
			return
		}
		if !n.leaf {
			at := 0
			if cursor.start != nil {
				at = childIndex(n, cursor.start)
			}
			cursor.stack = append(cursor.stack, cursorFrame{n, at})
			blockID = n.children[at]
			continue
		}

		at := 0
		if cursor.start != nil {
			at, _ = leafIndex(n, cursor.start)
		}
		cursor.stack = append(cursor.stack, cursorFrame{n, at})
		return
	}
}

// Next advances to the next entry. The first call positions the cursor on the
// first entry in range.
func (cursor *Cursor) Next() bool {
	if cursor.done {
		return false
	}

	top := &cursor.stack[len(cursor.stack)-1]
	if !cursor.started {
		cursor.started = true
	} else {
		top.at++
	}

	for top.at >= len(top.n.keys) {
		if !cursor.climb() {
			return false
		}
		top = &cursor.stack[len(cursor.stack)-1]
	}

	if cursor.end != nil && bytes.Compare(top.n.keys[top.at], cursor.end) >= 0 {
		cursor.done = true
		return false
	}
	return true
}

// climb pops exhausted frames and descends into the next leaf. Reports false
// when the whole version is exhausted.
func (cursor *Cursor) climb() bool {
	cursor.stack = cursor.stack[:len(cursor.stack)-1]
	for len(cursor.stack) > 0 {
		top := &cursor.stack[len(cursor.stack)-1]
		top.at++
		if top.at < len(top.n.children) {
			return cursor.descendFirst(top.n.children[top.at])
		}
		cursor.stack = cursor.stack[:len(cursor.stack)-1]
	}
	cursor.done = true
	return false
}

// descendFirst pushes the leftmost path under blockID.
func (cursor *Cursor) descendFirst(blockID BlockID) bool {
	for {
		n, err := loadNode(cursor.reader, blockID)
		if err != nil {
			cursor.err = err
			cursor.done = true
			return false
		}
		cursor.stack = append(cursor.stack, cursorFrame{n, 0})
		if n.leaf {
			return true
		}
		blockID = n.children[0]
	}
}

// Key returns the current key. Valid only after Next reported true.
func (cursor *Cursor) Key() []byte {
	top := cursor.stack[len(cursor.stack)-1]
	return top.n.keys[top.at]
}

// Val returns the current value. Valid only after Next reported true.
func (cursor *Cursor) Val() []byte {
	top := cursor.stack[len(cursor.stack)-1]
	return top.n.vals[top.at]
}

// Err reports the first error the cursor hit, if any.
func (cursor *Cursor) Err() error {
	return cursor.err
}

// Seq adapts the cursor to a range-over-func iterator. Check Err after the
// loop: a read error ends the sequence early.
func (cursor *Cursor) Seq() iter.Seq2[[]byte, []byte] {
	return func(yield func(key, val []byte) bool) {
		for cursor.Next() {
			if !yield(cursor.Key(), cursor.Val()) {
				return
			}
		}
	}
}
