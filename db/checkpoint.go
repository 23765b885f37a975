// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"sync/atomic"

	"github.com/arbordb/arbor"
)

// checkpoint pins one committed version for readers. The blocks a later
// commit retires from this version are quarantined on freed and promoted to
// the freelist only once every checkpoint at least this old is drained, so a
// reader never sees a block recycled under it.
type checkpoint struct {
	root  BlockID
	refs  atomic.Int64
	freed []BlockID
}

func (ckpt *checkpoint) release() {
	ckpt.refs.Add(-1)
}

// acquire pins the current version for one read. The caller must release it.
func (db *DB[F]) acquire() (*checkpoint, error) {
	db.view.RLock()
	defer db.view.RUnlock()

	if db.current == nil {
		return nil, arbor.ErrClosed
	}
	db.current.refs.Add(1)
	return db.current, nil
}

// reap promotes the quarantined blocks of drained checkpoints, oldest first.
// The newest chain entry is the live version and never reaps. Called with the
// writer mutex held.
func (db *DB[F]) reap() {
	for len(db.chain) > 1 && db.chain[0].refs.Load() == 0 {
		db.store.Promote(db.chain[0].freed)
		db.chain = db.chain[1:]
	}
}
