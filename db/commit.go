// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"fmt"

	"github.com/arbordb/arbor"
	"github.com/arbordb/arbor/btree"
	"github.com/arbordb/arbor/snapshot"
	"github.com/arbordb/arbor/store"
)

// overlay is the pager a write transaction mutates through: reads of blocks
// staged earlier in the same transaction come from the in-memory images,
// everything else from the store. Needed because staged blocks reach the file
// only at apply.
type overlay[F File] struct {
	store *store.Store[F]
	pages map[BlockID][]byte
}

func (o *overlay[F]) PageSize() int { return o.store.PageSize() }
func (o *overlay[F]) AllocateBuffer() []byte { return o.store.AllocateBuffer() }
func (o *overlay[F]) RecycleBuffer(b []byte) { o.store.RecycleBuffer(b) }

func (o *overlay[F]) Allocate() (BlockID, error) { return o.store.Allocate() }

func (o *overlay[F]) ReadBlock(blockID BlockID, buffer []byte) error {
	if image, ok := o.pages[blockID]; ok {
		copy(buffer[:len(image)], image)
		return nil
	}
	return o.store.ReadBlock(blockID, buffer)
}

// writeTxn collects the outcome of one commit: the proposed block images, the
// retention accounting against a private manager clone, and the blocks the
// commit retires.
type writeTxn[F File] struct {
	overlay *overlay[F]
	manager *snapshot.Manager
	root    BlockID
	freed   []BlockID
}

func (w *writeTxn[F]) children(blockID BlockID) ([]BlockID, error) {
	if image, ok := w.overlay.pages[blockID]; ok {
		return btree.Children(image)
	}
	return btree.ChildrenOf(w.overlay.store, blockID)
}

// apply folds one tree mutation into the transaction: stage its pages, mint
// their references and release the root it replaces.
func (w *writeTxn[F]) apply(mut btree.Mutation) error {
	pages := make([]snapshot.Page, len(mut.Pages))
	for i, page := range mut.Pages {
		w.overlay.pages[page.ID] = page.Image
		pages[i] = snapshot.Page{ID: page.ID, Children: page.Children}
	}
	w.manager.Mint(snapshot.Mutation{NewRoot: mut.NewRoot, Pages: pages})

	freed, err := w.manager.Release(mut.OldRoot, w.children)
	if err != nil {
		return err
	}
	w.freed = append(w.freed, freed...)
	w.root = mut.NewRoot
	return nil
}

// commit runs one write transaction end to end under the writer mutex:
// build proposes against a private view; then the retention chains, the
// superblock and every proposed page are staged and committed as one journal
// transaction and applied home. Only after apply does the root cell swap.
//
// A failure before the journal commit rolls everything back: allocation state
// is restored and nothing was written, so durable state is untouched. A
// failure after it poisons the database; the journal finishes the job at next
// Load.
func (db *DB[F]) commit(build func(w *writeTxn[F]) error) (err error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.failed != nil {
		return db.failed
	}
	if err = db.store.Error(); err != nil {
		return
	}

	txn, err := db.journal.Begin()
	if err != nil {
		return
	}
	mark := db.store.Mark()

	w := &writeTxn[F]{
		overlay: &overlay[F]{store: &db.store, pages: map[BlockID][]byte{}},
		manager: db.manager.Clone(),
		root:    db.current.root,
	}

	abort := func(err error) error {
		db.journal.Abort(txn)
		db.store.Rollback(mark)
		return err
	}

	if err = build(w); err != nil {
		return abort(err)
	}

	// Blocks minted and released within this same transaction were never
	// durable: drop their staged images and reuse them immediately. Durable
	// blocks are quarantined until older readers drain.
	var durable []BlockID
	for _, blockID := range w.freed {
		if _, ok := w.overlay.pages[blockID]; ok {
			delete(w.overlay.pages, blockID)
			db.store.Free(blockID)
		} else {
			durable = append(durable, blockID)
			db.store.FreePending(blockID)
		}
	}

	tableHead, tableStaged, obsolete, err := w.manager.EncodeTable(&db.store)
	if err != nil {
		return abort(err)
	}
	dirHead, dirStaged, obsoleteDir, err := w.manager.EncodeDir(&db.store)
	if err != nil {
		return abort(err)
	}
	for _, blockID := range append(obsolete, obsoleteDir...) {
		durable = append(durable, blockID)
		db.store.FreePending(blockID)
	}

	image, err := db.store.NextSuperblock(w.root, tableHead, dirHead, txn.ID())
	if err != nil {
		return abort(err)
	}

	for blockID, image := range w.overlay.pages {
		db.journal.Stage(txn, blockID, image)
	}
	for _, staged := range tableStaged {
		db.journal.Stage(txn, staged.ID, staged.Image)
	}
	for _, staged := range dirStaged {
		db.journal.Stage(txn, staged.ID, staged.Image)
	}
	db.journal.Stage(txn, 0, image)

	if err = db.journal.Commit(txn, w.root); err != nil {
		return abort(err)
	}

	if err = db.journal.Apply(txn, &db.store); err != nil {
		// Durably committed but not applied. The in-memory view keeps the
		// old root; recovery replays the transaction at next Load.
		db.failed = fmt.Errorf("db: commit %d applied partially: %w", txn.ID(), err)
		return db.failed
	}

	old := db.current
	next := &checkpoint{root: w.root}
	db.view.Lock()
	db.current = next
	db.manager = w.manager
	db.view.Unlock()

	old.freed = durable
	db.chain = append(db.chain, next)
	db.reap()
	return nil
}

// Set stores val under key, replacing any existing value, as one durable
// transaction.
func (db *DB[F]) Set(key, val []byte) error {
	if err := db.validateKey(key); err != nil {
		return err
	}
	if err := db.validateVal(val); err != nil {
		return err
	}
	return db.commit(func(w *writeTxn[F]) error {
		mut, err := db.tree.Insert(w.overlay, w.root, key, val)
		if err != nil {
			return err
		}
		return w.apply(mut)
	})
}

// Delete removes key as one durable transaction. Absent keys report
// arbor.ErrNotFound with no durable effect.
func (db *DB[F]) Delete(key []byte) error {
	if err := db.validateKey(key); err != nil {
		return err
	}
	return db.commit(func(w *writeTxn[F]) error {
		mut, err := db.tree.Delete(w.overlay, w.root, key)
		if err != nil {
			return err
		}
		return w.apply(mut)
	})
}

var _ arbor.Pager = (*overlay[arbor.File])(nil)
