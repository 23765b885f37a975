// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

// Package pending buffers the uncommitted writes of one transaction as a
// sorted change set. A change is either a value or a tombstone; replaying the
// set in key order onto the committed tree yields the transaction's outcome.
package pending

import (
	"bytes"
	"slices"
	"sort"
)

type change struct {
	key     []byte
	val     []byte
	deleted bool
}

// Buffer is a sorted in-memory change set. The zero value is empty and ready
// to use. Not safe for concurrent use.
type Buffer struct {
	changes []change
}

func (b *Buffer) search(key []byte) (int, bool) {
	at := sort.Search(len(b.changes), func(i int) bool {
		return bytes.Compare(b.changes[i].key, key) >= 0
	})
	return at, at < len(b.changes) && bytes.Equal(b.changes[at].key, key)
}

// Set records key as written with val, replacing any earlier change.
func (b *Buffer) Set(key, val []byte) {
	c := change{key: slices.Clone(key), val: slices.Clone(val)}
	if at, found := b.search(key); found {
		b.changes[at] = c
	} else {
		b.changes = slices.Insert(b.changes, at, c)
	}
}

// Delete records key as removed, replacing any earlier change.
func (b *Buffer) Delete(key []byte) {
	c := change{key: slices.Clone(key), deleted: true}
	if at, found := b.search(key); found {
		b.changes[at] = c
	} else {
		b.changes = slices.Insert(b.changes, at, c)
	}
}

// Get reports the buffered change for key: buffered is false when the
// transaction never touched it, deleted is true for a tombstone.
func (b *Buffer) Get(key []byte) (val []byte, deleted, buffered bool) {
	at, found := b.search(key)
	if !found {
		return
	}
	c := b.changes[at]
	return c.val, c.deleted, true
}

// Empty reports whether the buffer holds no changes.
func (b *Buffer) Empty() bool {
	return len(b.changes) == 0
}

// Len returns the number of buffered changes.
func (b *Buffer) Len() int {
	return len(b.changes)
}

// Reset drops all changes.
func (b *Buffer) Reset() {
	b.changes = nil
}

// Items yields the changes in ascending key order. A nil val with deleted
// true is a tombstone.
func (b *Buffer) Items(yield func(key, val []byte, deleted bool) bool) {
	for _, c := range b.changes {
		if !yield(c.key, c.val, c.deleted) {
			return
		}
	}
}
