// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the write-ahead transaction log.
//
// A transaction collects full block images and becomes durable when its
// commit record reaches stable storage. Applying copies the images to their
// home blocks; only then is the log space reclaimed. Because images are full
// replacements, applying is idempotent and recovery may re-run it any number
// of times.
package journal

import (
	"fmt"
	"sync"

	"github.com/arbordb/arbor"
)

type BlockID = arbor.BlockID

// Transaction states: Open -> Committed -> Checkpointed, or Open -> Aborted.
type txnState int

const (
	stateOpen txnState = iota
	stateCommitted
	stateCheckpointed
	stateAborted
)

func (s txnState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateCommitted:
		return "committed"
	case stateCheckpointed:
		return "checkpointed"
	case stateAborted:
		return "aborted"
	}
	return "unknown"
}

// Txn is an in-flight transaction. It buffers staged block images in memory;
// nothing reaches the log file before Commit.
type Txn struct {
	id    uint64
	state txnState
	root  BlockID

	ids    []BlockID
	images [][]byte
	index  map[BlockID]int
}

// ID returns the transaction identifier.
func (txn *Txn) ID() uint64 {
	return txn.id
}

func (txn *Txn) assertState(method string, want txnState) {
	if txn.state != want {
		panic(fmt.Sprintf("journal.%s: transaction %d is %v, want %v", method, txn.id, txn.state, want))
	}
}

// Journal is the write-ahead log over its own file. The file holds only
// records that are committed but not yet checkpointed; checkpointing
// truncates it.
type Journal[F arbor.File] struct {
	file  F
	mutex sync.Mutex

	pageSize int
	limit    int64

	offset int64
	seq    uint64
	active *Txn
	loaded bool
}

// Load binds the journal to its file. pageSize is the block payload size all
// staged images must match; limit caps the log file size (0 = unbounded);
// seq seeds the transaction identifier sequence.
func (journal *Journal[F]) Load(file F, pageSize int, limit int64, seq uint64) {
	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	if journal.loaded {
		panic("journal.Load: already loaded")
	}
	journal.file = file
	journal.pageSize = pageSize
	journal.limit = limit
	journal.seq = seq
	journal.loaded = true
}

// Sequence returns the identifier of the most recent transaction.
func (journal *Journal[F]) Sequence() uint64 {
	journal.mutex.Lock()
	defer journal.mutex.Unlock()
	return journal.seq
}

// Close closes the journal file. Committed-but-unapplied records stay in the
// log for the next recovery.
func (journal *Journal[F]) Close() error {
	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	if !journal.loaded {
		return nil
	}
	journal.loaded = false
	journal.active = nil
	return journal.file.Close()
}

// Begin opens a transaction. Returns ErrNoSpace when the log cannot hold even
// a bare commit record within its size limit.
func (journal *Journal[F]) Begin() (txn *Txn, err error) {
	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	if !journal.loaded {
		err = arbor.ErrClosed
		return
	}
	if journal.active != nil {
		panic(fmt.Sprintf("journal.Begin: transaction %d still open", journal.active.id))
	}
	if journal.limit > 0 && journal.offset+minRecordSize > journal.limit {
		err = fmt.Errorf("journal.Begin: %w", arbor.ErrNoSpace)
		return
	}

	journal.seq++
	txn = &Txn{
		id:    journal.seq,
		index: make(map[BlockID]int),
	}
	journal.active = txn
	return
}

// Stage buffers a block image for the transaction. Staging the same block
// again replaces the earlier image. The image must span exactly one block
// payload; the journal keeps its own copy.
func (journal *Journal[F]) Stage(txn *Txn, blockID BlockID, image []byte) {
	txn.assertState("Stage", stateOpen)
	if len(image) != journal.pageSize {
		panic(fmt.Sprintf("journal.Stage(%d): image size %d != %d", blockID, len(image), journal.pageSize))
	}

	if at, ok := txn.index[blockID]; ok {
		copy(txn.images[at], image)
		return
	}
	txn.index[blockID] = len(txn.ids)
	txn.ids = append(txn.ids, blockID)
	txn.images = append(txn.images, append([]byte(nil), image...))
}

// Commit writes the staged images and a checksummed commit record naming
// newRoot, then forces the log to stable storage. The mutation is durable
// once Commit returns. On error the transaction stays open and can be
// aborted; nothing partial is ever replayed thanks to the record checksum.
func (journal *Journal[F]) Commit(txn *Txn, newRoot BlockID) (err error) {
	txn.assertState("Commit", stateOpen)

	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	if !journal.loaded {
		return arbor.ErrClosed
	}

	record := encodeRecord(txn.id, txn.ids, txn.images, newRoot)
	if journal.limit > 0 && journal.offset+int64(len(record)) > journal.limit {
		return fmt.Errorf("journal.Commit: record of %d bytes: %w", len(record), arbor.ErrNoSpace)
	}

	if _, err = journal.file.WriteAt(record, journal.offset); err != nil {
		return fmt.Errorf("journal.Commit: %w", err)
	}
	if err = journal.file.Sync(); err != nil {
		return fmt.Errorf("journal.Commit: %w", err)
	}

	journal.offset += int64(len(record))
	txn.root = newRoot
	txn.state = stateCommitted
	return
}

// Apply copies the committed images to their home blocks and checkpoints the
// transaction, reclaiming its log space. Safe to re-run after a crash: the
// images are full replacements.
func (journal *Journal[F]) Apply(txn *Txn, writer arbor.BlockWriter) (err error) {
	txn.assertState("Apply", stateCommitted)

	for i, blockID := range txn.ids {
		buffer := writer.AllocateBuffer()
		copy(buffer, txn.images[i])
		err = writer.WriteBlock(blockID, buffer)
		writer.RecycleBuffer(buffer)
		if err != nil {
			return fmt.Errorf("journal.Apply: %w", err)
		}
	}
	if err = writer.Sync(); err != nil {
		return fmt.Errorf("journal.Apply: %w", err)
	}

	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	if err = journal.file.Truncate(0); err != nil {
		return fmt.Errorf("journal.Apply: checkpoint: %w", err)
	}
	if err = journal.file.Sync(); err != nil {
		return fmt.Errorf("journal.Apply: checkpoint: %w", err)
	}
	journal.offset = 0
	txn.state = stateCheckpointed
	txn.ids, txn.images, txn.index = nil, nil, nil
	if journal.active == txn {
		journal.active = nil
	}
	return
}

// Abort discards an open transaction. Nothing has reached stable storage, so
// durable state is untouched.
func (journal *Journal[F]) Abort(txn *Txn) {
	txn.assertState("Abort", stateOpen)

	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	txn.state = stateAborted
	txn.ids, txn.images, txn.index = nil, nil, nil
	if journal.active == txn {
		journal.active = nil
	}
}
