// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"iter"

	"github.com/arbordb/arbor/btree"
)

// Get returns the value stored under key in the live version. Absent keys
// report arbor.ErrNotFound. The returned slice is the caller's to keep.
func (db *DB[F]) Get(key []byte) (val []byte, err error) {
	ckpt, err := db.acquire()
	if err != nil {
		return
	}
	defer ckpt.release()
	return db.tree.Get(&db.store, ckpt.root, key)
}

// Cursor iterates one version in ascending key order while pinning it: the
// blocks it reads cannot be recycled until the cursor is drained or closed.
type Cursor struct {
	inner *btree.Cursor
	ckpt  *checkpoint
}

// Range opens a cursor over [start, end) on the live version. A nil start
// begins at the first key; a nil end runs to the last. The cursor stays on
// the version current at the call: commits made while iterating are not
// observed.
//
// Close the cursor when abandoning it early; a drained cursor has already
// released its pin.
func (db *DB[F]) Range(start, end []byte) (*Cursor, error) {
	ckpt, err := db.acquire()
	if err != nil {
		return nil, err
	}
	return &Cursor{
		inner: db.tree.Cursor(&db.store, ckpt.root, start, end),
		ckpt:  ckpt,
	}, nil
}

// Next advances to the next entry, releasing the version pin at the end.
func (cursor *Cursor) Next() bool {
	if cursor.ckpt == nil {
		return false
	}
	if cursor.inner.Next() {
		return true
	}
	cursor.Close()
	return false
}

// Key returns the current key. Valid only after Next reported true.
func (cursor *Cursor) Key() []byte { return cursor.inner.Key() }

// Val returns the current value. Valid only after Next reported true.
func (cursor *Cursor) Val() []byte { return cursor.inner.Val() }

// Err reports the first error the cursor hit, if any.
func (cursor *Cursor) Err() error { return cursor.inner.Err() }

// Close releases the version pin. Idempotent.
func (cursor *Cursor) Close() {
	if cursor.ckpt != nil {
		cursor.ckpt.release()
		cursor.ckpt = nil
	}
}

// Seq adapts the cursor to a range-over-func iterator, closing it when the
// loop ends. Check Err afterwards: a read error ends the sequence early.
func (cursor *Cursor) Seq() iter.Seq2[[]byte, []byte] {
	return func(yield func(key, val []byte) bool) {
		defer cursor.Close()
		for cursor.Next() {
			if !yield(cursor.Key(), cursor.Val()) {
				return
			}
		}
	}
}
