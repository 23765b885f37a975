// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor"
	"github.com/arbordb/arbor/mem"
)

const testPageSize = 60

// memWriter collects applied blocks, standing in for the store.
type memWriter struct {
	blocks map[BlockID][]byte
	syncs  int
}

func newMemWriter() *memWriter {
	return &memWriter{blocks: map[BlockID][]byte{}}
}

func (w *memWriter) PageSize() int { return testPageSize }
func (w *memWriter) AllocateBuffer() []byte { return make([]byte, testPageSize) }
func (w *memWriter) RecycleBuffer([]byte) {}

func (w *memWriter) WriteBlock(blockID BlockID, buffer []byte) error {
	w.blocks[blockID] = append([]byte(nil), buffer...)
	return nil
}

func (w *memWriter) Sync() error {
	w.syncs++
	return nil
}

func image(fill byte) []byte {
	img := make([]byte, testPageSize)
	for i := range img {
		img[i] = fill
	}
	return img
}

func TestCommitApply(t *testing.T) {
	file := new(mem.File)
	journal := new(Journal[*mem.File])
	journal.Load(file, testPageSize, 0, 0)

	txn, err := journal.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(1), txn.ID())

	journal.Stage(txn, 3, image('a'))
	journal.Stage(txn, 7, image('b'))
	// Restaging replaces the earlier image.
	journal.Stage(txn, 3, image('c'))

	require.NoError(t, journal.Commit(txn, 7))
	require.Greater(t, file.Size(), int64(0))

	writer := newMemWriter()
	require.NoError(t, journal.Apply(txn, writer))
	require.Equal(t, image('c'), writer.blocks[3])
	require.Equal(t, image('b'), writer.blocks[7])
	require.Equal(t, 1, writer.syncs)

	// Checkpoint reclaimed the log.
	require.Equal(t, int64(0), file.Size())
	require.Equal(t, uint64(1), journal.Sequence())

	// The journal is free for the next transaction.
	txn, err = journal.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(2), txn.ID())
	journal.Abort(txn)
}

func TestAbort(t *testing.T) {
	file := new(mem.File)
	journal := new(Journal[*mem.File])
	journal.Load(file, testPageSize, 0, 41)

	txn, err := journal.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(42), txn.ID())
	journal.Stage(txn, 5, image('x'))
	journal.Abort(txn)

	require.Equal(t, int64(0), file.Size())

	require.Panics(t, func() { journal.Stage(txn, 5, image('x')) })
	require.Panics(t, func() { journal.Commit(txn, 0) })
}

func TestLimit(t *testing.T) {
	file := new(mem.File)
	journal := new(Journal[*mem.File])
	journal.Load(file, testPageSize, minRecordSize+1, 0)

	txn, err := journal.Begin()
	require.NoError(t, err)
	journal.Stage(txn, 1, image('a'))
	require.ErrorIs(t, journal.Commit(txn, 1), arbor.ErrNoSpace)
	journal.Abort(txn)

	tiny := new(Journal[*mem.File])
	tiny.Load(new(mem.File), testPageSize, 2, 0)
	_, err = tiny.Begin()
	require.ErrorIs(t, err, arbor.ErrNoSpace)
}

// writeLog renders n committed transactions straight into a log file.
// Transaction i stages block i+1 and names it the new root.
func writeLog(t *testing.T, file *mem.File, n int) {
	t.Helper()
	var offset int64
	for i := range n {
		blockID := BlockID(i + 1)
		record := encodeRecord(uint64(i+1), []BlockID{blockID}, [][]byte{image(byte('a' + i))}, blockID)
		_, err := file.WriteAt(record, offset)
		require.NoError(t, err)
		offset += int64(len(record))
	}
}

func TestRecover(t *testing.T) {
	file := new(mem.File)
	writeLog(t, file, 3)

	journal := new(Journal[*mem.File])
	journal.Load(file, testPageSize, 0, 0)

	writer := newMemWriter()
	lastRoot, applied, err := journal.Recover(writer)
	require.NoError(t, err)
	require.Equal(t, 3, applied)
	require.Equal(t, BlockID(3), lastRoot)
	require.Equal(t, image('a'), writer.blocks[1])
	require.Equal(t, image('c'), writer.blocks[3])

	// The sequence resumes after the recovered transactions.
	require.Equal(t, uint64(3), journal.Sequence())
	require.Equal(t, int64(0), file.Size())

	// A second recovery finds an empty log.
	_, applied, err = journal.Recover(writer)
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestRecoverTruncatedTail(t *testing.T) {
	whole := new(mem.File)
	writeLog(t, whole, 2)
	size := whole.Size()

	recordSize := size / 2

	// Cut the log at every byte offset: the recovered prefix must always be
	// exactly the records that fit wholly before the cut.
	for cut := int64(0); cut <= size; cut++ {
		file := new(mem.File)
		buffer := make([]byte, cut)
		if cut > 0 {
			_, err := whole.ReadAt(buffer, 0)
			require.NoError(t, err)
		}
		file.WriteAt(buffer, 0)

		journal := new(Journal[*mem.File])
		journal.Load(file, testPageSize, 0, 0)

		writer := newMemWriter()
		_, applied, err := journal.Recover(writer)
		require.NoError(t, err, "cut at %d", cut)

		want := int(cut / recordSize)
		if cut == size {
			want = 2
		}
		require.Equal(t, want, applied, "cut at %d", cut)
	}
}

func TestRecoverCorruptRecord(t *testing.T) {
	file := new(mem.File)
	writeLog(t, file, 3)

	// Flip one byte inside the second record: it and everything after it are
	// discarded, the first record survives.
	size := file.Size()
	offset := size/3 + 10
	var b [1]byte
	_, err := file.ReadAt(b[:], offset)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = file.WriteAt(b[:], offset)
	require.NoError(t, err)

	journal := new(Journal[*mem.File])
	journal.Load(file, testPageSize, 0, 0)

	writer := newMemWriter()
	lastRoot, applied, err := journal.Recover(writer)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, BlockID(1), lastRoot)
	require.NotContains(t, writer.blocks, BlockID(2))
}

func TestRecordRoundTrip(t *testing.T) {
	record := encodeRecord(9, []BlockID{4, 2}, [][]byte{image('x'), image('y')}, 4)

	// Strip the frame: magic, length varint, payload, hash.
	payload := record[4+1 : len(record)-8]
	txnID, frames, newRoot, err := decodeRecord(payload, testPageSize)
	require.NoError(t, err)
	require.Equal(t, uint64(9), txnID)
	require.Equal(t, BlockID(4), newRoot)
	require.Len(t, frames, 2)
	require.Equal(t, BlockID(4), frames[0].blockID)
	require.Equal(t, image('x'), frames[0].image)

	_, _, _, err = decodeRecord(payload[:len(payload)-1], testPageSize)
	require.ErrorIs(t, err, arbor.ErrCorruption)

	_, _, _, err = decodeRecord(append(payload, 0), testPageSize)
	require.ErrorIs(t, err, arbor.ErrCorruption)
}

func TestStagePanics(t *testing.T) {
	journal := new(Journal[*mem.File])
	journal.Load(new(mem.File), testPageSize, 0, 0)

	txn, err := journal.Begin()
	require.NoError(t, err)
	defer journal.Abort(txn)

	require.Panics(t, func() { journal.Stage(txn, 1, make([]byte, testPageSize-1)) })
	require.PanicsWithValue(t, fmt.Sprintf("journal.Begin: transaction %d still open", txn.ID()), func() {
		journal.Begin()
	})
}
