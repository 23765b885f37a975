// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"errors"

	"github.com/arbordb/arbor"
	"github.com/arbordb/arbor/btree"
	"github.com/arbordb/arbor/internal/pending"
)

// Tx batches writes. Set and Delete accumulate in a sorted in-memory change
// set; Commit replays them onto the tree as one journal transaction, so the
// whole batch becomes durable atomically. Rollback discards the batch with no
// durable effect.
//
// A Tx reads from the version current at Begin plus its own changes. It is
// not safe for concurrent use. Using a Tx after Commit or Rollback panics.
type Tx[F File] struct {
	db      *DB[F]
	ckpt    *checkpoint
	pending pending.Buffer
}

// Begin opens a batch over the current version.
func (db *DB[F]) Begin() (*Tx[F], error) {
	ckpt, err := db.acquire()
	if err != nil {
		return nil, err
	}
	return &Tx[F]{db: db, ckpt: ckpt}, nil
}

func (tx *Tx[F]) assertOpen(method string) {
	if tx.db == nil {
		panic("db." + method + ": transaction already closed")
	}
}

func (tx *Tx[F]) close() {
	tx.ckpt.release()
	tx.ckpt = nil
	tx.db = nil
	tx.pending.Reset()
}

// Get reads through the batch: buffered changes shadow the underlying
// version.
func (tx *Tx[F]) Get(key []byte) (val []byte, err error) {
	tx.assertOpen("Tx.Get")

	if val, deleted, buffered := tx.pending.Get(key); buffered {
		if deleted {
			return nil, arbor.ErrNotFound
		}
		return val, nil
	}
	return tx.db.tree.Get(&tx.db.store, tx.ckpt.root, key)
}

// Set buffers a write.
func (tx *Tx[F]) Set(key, val []byte) error {
	tx.assertOpen("Tx.Set")

	if err := tx.db.validateKey(key); err != nil {
		return err
	}
	if err := tx.db.validateVal(val); err != nil {
		return err
	}
	tx.pending.Set(key, val)
	return nil
}

// Delete buffers a removal. Removing a key the tree does not hold is not an
// error: the tombstone is simply a no-op at commit.
func (tx *Tx[F]) Delete(key []byte) error {
	tx.assertOpen("Tx.Delete")

	if err := tx.db.validateKey(key); err != nil {
		return err
	}
	tx.pending.Delete(key)
	return nil
}

// Rollback discards the batch. Safe to call after Commit, so it can be
// deferred unconditionally.
func (tx *Tx[F]) Rollback() {
	if tx.db == nil {
		return
	}
	tx.close()
}

// Commit replays the batch onto the live tree as one journal transaction.
// On error nothing is durable and the live version is unchanged; the batch is
// closed either way.
//
// The batch applies to the version current at Commit, not at Begin: a batch
// is last-writer-wins against commits that raced it.
func (tx *Tx[F]) Commit() (err error) {
	tx.assertOpen("Tx.Commit")
	defer tx.close()

	if tx.pending.Empty() {
		return nil
	}

	return tx.db.commit(func(w *writeTxn[F]) error {
		var err error
		tx.pending.Items(func(key, val []byte, deleted bool) bool {
			var mut btree.Mutation
			if deleted {
				mut, err = tx.db.tree.Delete(w.overlay, w.root, key)
				if errors.Is(err, arbor.ErrNotFound) {
					err = nil
					return true
				}
			} else {
				mut, err = tx.db.tree.Insert(w.overlay, w.root, key, val)
			}
			if err != nil {
				return false
			}
			err = w.apply(mut)
			return err == nil
		})
		return err
	})
}
