// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

// Package db assembles the engine: block store, write-ahead journal,
// copy-on-write tree and retention manager behind one facade.
//
// One writer at a time mutates the tree; readers never block it. Every
// mutation travels propose -> stage -> commit -> apply -> root swap, so a
// crash at any point leaves either the old version or the new one, never a
// mix.
package db

import (
	"fmt"
	"os"
	"sync"

	"github.com/arbordb/arbor"
	"github.com/arbordb/arbor/btree"
	"github.com/arbordb/arbor/journal"
	"github.com/arbordb/arbor/snapshot"
	"github.com/arbordb/arbor/store"
)

type File = arbor.File
type BlockID = arbor.BlockID

// Option configures a database at load time.
type Option interface {
	MagicCode() [4]byte
	BlockSize() int
	MaxFanout() int
}

// KeyLimits is an optional narrowing of Option bounding key and value sizes.
// Without it the defaults of DefaultOptions apply.
type KeyLimits interface {
	MaxKeySize() int
	MaxValueSize() int
}

// JournalLimit is an optional narrowing of Option capping the log file size.
type JournalLimit interface {
	JournalLimit() int64
}

// DefaultOptions is the stock configuration: 8 KiB blocks, fanout 32,
// 128-byte keys, 96-byte values, unbounded journal.
type DefaultOptions struct{}

func (DefaultOptions) MagicCode() [4]byte { return [4]byte{'a', 'r', 'b', '1'} }
func (DefaultOptions) BlockSize() int { return 8192 }
func (DefaultOptions) MaxFanout() int { return 32 }
func (DefaultOptions) MaxKeySize() int { return 128 }
func (DefaultOptions) MaxValueSize() int { return 96 }

// DB is one database over a data file and a journal file.
//
// All methods are safe for concurrent use. Writes are serialized internally;
// reads run against an immutable version and proceed in parallel with a
// writer.
type DB[F File] struct {
	store   store.Store[F]
	journal journal.Journal[F]
	tree    btree.Tree

	maxKeySize   int
	maxValueSize int

	// mutex spans a whole commit. failed and chain belong to the writer.
	mutex  sync.Mutex
	failed error
	chain  []*checkpoint

	// view guards the current version cell for readers.
	view    sync.RWMutex
	current *checkpoint
	manager *snapshot.Manager
}

// Open opens (or creates) the database at path with DefaultOptions. The
// journal lives beside it at path+".log". Use Load for custom options or a
// non-OS file.
func Open(path string) (db *DB[*os.File], err error) {
	dataFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return
	}
	journalFile, err := os.OpenFile(path+".log", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		dataFile.Close()
		return
	}

	db = new(DB[*os.File])
	if err = db.Load(dataFile, journalFile, DefaultOptions{}); err != nil {
		dataFile.Close()
		journalFile.Close()
		db = nil
	}
	return
}

// Load binds the database to its files, recovering any committed-but-unapplied
// journal transactions before anything else runs. An empty data file is
// formatted fresh.
func (db *DB[F]) Load(dataFile, journalFile F, opt Option) (err error) {
	db.tree = btree.Tree{MaxFanout: opt.MaxFanout()}
	if err = db.tree.Validate(); err != nil {
		return fmt.Errorf("db.Load: %w", err)
	}

	db.maxKeySize = DefaultOptions{}.MaxKeySize()
	db.maxValueSize = DefaultOptions{}.MaxValueSize()
	if o, ok := opt.(KeyLimits); ok {
		db.maxKeySize = o.MaxKeySize()
		db.maxValueSize = o.MaxValueSize()
	}
	if db.maxKeySize < 1 || db.maxValueSize < 0 {
		return fmt.Errorf("db.Load: key limit %d, value limit %d: %w",
			db.maxKeySize, db.maxValueSize, arbor.ErrInvalidBlockSize)
	}

	var limit int64
	if o, ok := opt.(JournalLimit); ok {
		limit = o.JournalLimit()
	}

	sb, err := db.store.Load(dataFile, opt)
	if err != nil {
		return
	}

	// A full node must always fit one block payload.
	if worst := db.tree.MaxNodeSize(db.maxKeySize, db.maxValueSize); worst > db.store.PageSize() {
		db.store.Close()
		return fmt.Errorf("db.Load: worst-case node of %d bytes exceeds block payload of %d: %w",
			worst, db.store.PageSize(), arbor.ErrInvalidBlockSize)
	}

	db.journal.Load(journalFile, db.store.PageSize(), limit, sb.Sequence)
	_, applied, err := db.journal.Recover(&db.store)
	if err != nil {
		db.journal.Close()
		db.store.Close()
		return
	}
	if applied > 0 {
		// Recovery rewrote the superblock; start from what it says now.
		if sb, err = db.store.Reload(); err != nil {
			db.journal.Close()
			db.store.Close()
			return
		}
	}

	manager, err := snapshot.Load(&db.store, sb.RefTable, sb.SnapDir)
	if err != nil {
		db.journal.Close()
		db.store.Close()
		return
	}

	current := &checkpoint{root: sb.Root}
	db.chain = []*checkpoint{current}
	db.manager = manager
	db.current = current
	return
}

// Close releases the database. In-flight readers fail on their next block
// read; committed state is already durable.
func (db *DB[F]) Close() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	db.view.Lock()
	db.current = nil
	db.manager = nil
	db.view.Unlock()
	db.chain = nil

	jerr := db.journal.Close()
	if err := db.store.Close(); err != nil {
		return err
	}
	return jerr
}

// CurrentRoot returns the root block of the live version (0 when empty).
func (db *DB[F]) CurrentRoot() BlockID {
	db.view.RLock()
	defer db.view.RUnlock()
	if db.current == nil {
		return 0
	}
	return db.current.root
}

// Store exposes the underlying block store for inspection tools.
func (db *DB[F]) Store() *store.Store[F] {
	return &db.store
}

// Depth returns the number of tree levels in the live version.
func (db *DB[F]) Depth() (int, error) {
	ckpt, err := db.acquire()
	if err != nil {
		return 0, err
	}
	defer ckpt.release()
	return db.tree.Depth(&db.store, ckpt.root)
}

func (db *DB[F]) validateKey(key []byte) error {
	if len(key) == 0 {
		return arbor.ErrEmptyKey
	}
	if len(key) > db.maxKeySize {
		return fmt.Errorf("key of %d bytes: %w", len(key), arbor.ErrKeyTooLarge)
	}
	return nil
}

func (db *DB[F]) validateVal(val []byte) error {
	if len(val) > db.maxValueSize {
		return fmt.Errorf("value of %d bytes: %w", len(val), arbor.ErrValueTooLarge)
	}
	return nil
}
