// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"github.com/arbordb/arbor/snapshot"
	"github.com/google/uuid"
)

// Snap is a read handle over one retained snapshot. It stays valid until the
// snapshot is deleted; reads after that may fail once the blocks are
// recycled.
type Snap[F File] struct {
	db   *DB[F]
	info snapshot.Snapshot
}

func (snap *Snap[F]) ID() uuid.UUID { return snap.info.ID }
func (snap *Snap[F]) Name() string  { return snap.info.Name }
func (snap *Snap[F]) Root() BlockID { return snap.info.Root }

// Get reads key from the snapshot's version.
func (snap *Snap[F]) Get(key []byte) (val []byte, err error) {
	ckpt, err := snap.db.acquire()
	if err != nil {
		return
	}
	defer ckpt.release()
	return snap.db.tree.Get(&snap.db.store, snap.info.Root, key)
}

// Range opens a cursor over [start, end) on the snapshot's version.
func (snap *Snap[F]) Range(start, end []byte) (*Cursor, error) {
	ckpt, err := snap.db.acquire()
	if err != nil {
		return nil, err
	}
	return &Cursor{
		inner: snap.db.tree.Cursor(&snap.db.store, snap.info.Root, start, end),
		ckpt:  ckpt,
	}, nil
}

// Snapshot retains the live version under name as one durable transaction
// and returns a read handle. The retention is O(1): no tree walk, the root's
// reference count goes up by one.
func (db *DB[F]) Snapshot(name string) (snap *Snap[F], err error) {
	var info snapshot.Snapshot
	err = db.commit(func(w *writeTxn[F]) error {
		var err error
		info, err = w.manager.Snapshot(name, w.root)
		return err
	})
	if err != nil {
		return
	}
	return &Snap[F]{db: db, info: info}, nil
}

// OpenSnapshot returns a read handle over an existing snapshot.
// Unknown ids report arbor.ErrNotFound.
func (db *DB[F]) OpenSnapshot(id uuid.UUID) (snap *Snap[F], err error) {
	db.view.RLock()
	manager := db.manager
	db.view.RUnlock()
	if manager == nil {
		return nil, db.store.Error()
	}

	info, err := manager.Find(id)
	if err != nil {
		return
	}
	return &Snap[F]{db: db, info: info}, nil
}

// DeleteSnapshot forgets a snapshot as one durable transaction, reclaiming
// the blocks only it was keeping alive. Unknown ids report arbor.ErrNotFound.
func (db *DB[F]) DeleteSnapshot(id uuid.UUID) error {
	return db.commit(func(w *writeTxn[F]) error {
		freed, err := w.manager.DeleteSnapshot(id, w.children)
		if err != nil {
			return err
		}
		w.freed = append(w.freed, freed...)
		return nil
	})
}

// Snapshots lists the retained snapshots, oldest first.
func (db *DB[F]) Snapshots() []snapshot.Snapshot {
	db.view.RLock()
	defer db.view.RUnlock()
	if db.manager == nil {
		return nil
	}
	return db.manager.Snapshots()
}

// LiveBlocks returns how many blocks the retained versions reference,
// superblock and metadata chains excluded.
func (db *DB[F]) LiveBlocks() int {
	db.view.RLock()
	defer db.view.RUnlock()
	if db.manager == nil {
		return 0
	}
	return db.manager.LiveBlocks()
}
