// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/arbordb/arbor"
)

// Recover scans the log and re-applies every committed transaction in log
// order. A truncated, torn or checksum-failing tail record was never
// committed: the scan stops there without error, discarding it. Recover runs
// before any other journal operation and truncates the log when done.
//
// Running Recover again immediately is a no-op: the first run checkpointed
// everything it verified.
func (journal *Journal[F]) Recover(writer arbor.BlockWriter) (lastRoot BlockID, applied int, err error) {
	journal.mutex.Lock()
	defer journal.mutex.Unlock()

	if !journal.loaded {
		err = arbor.ErrClosed
		return
	}
	if journal.active != nil {
		panic("journal.Recover: transaction in flight")
	}

	reader := bufio.NewReader(io.NewSectionReader(journal.file, 0, math.MaxInt64))
	for {
		payload, ok := nextRecord(reader)
		if !ok {
			break
		}

		txnID, frames, newRoot, err := decodeRecord(payload, journal.pageSize)
		if err != nil {
			// A verified hash with unparseable framing means the writer of
			// this record disagreed about the format; stop like a torn tail.
			break
		}

		for _, f := range frames {
			buffer := writer.AllocateBuffer()
			copy(buffer, f.image)
			werr := writer.WriteBlock(f.blockID, buffer)
			writer.RecycleBuffer(buffer)
			if werr != nil {
				return 0, applied, fmt.Errorf("journal.Recover: %w", werr)
			}
		}

		lastRoot = newRoot
		applied++
		if txnID > journal.seq {
			journal.seq = txnID
		}
	}

	if applied > 0 {
		if err = writer.Sync(); err != nil {
			err = fmt.Errorf("journal.Recover: %w", err)
			return
		}
	}

	if err = journal.file.Truncate(0); err != nil {
		err = fmt.Errorf("journal.Recover: truncate: %w", err)
		return
	}
	if err = journal.file.Sync(); err != nil {
		err = fmt.Errorf("journal.Recover: %w", err)
		return
	}
	journal.offset = 0
	return
}

// nextRecord reads one framed record and verifies its hash. ok is false at
// the end of the valid log prefix, whatever the cause.
func nextRecord(reader *bufio.Reader) (payload []byte, ok bool) {
	var magic [4]byte
	if _, err := io.ReadFull(reader, magic[:]); err != nil {
		return
	}
	if magic != recordMagic {
		return
	}

	length, err := binary.ReadUvarint(reader)
	if err != nil || length > maxRecordSize {
		return
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(reader, payload); err != nil {
		return
	}

	var sum [8]byte
	if _, err = io.ReadFull(reader, sum[:]); err != nil {
		return
	}
	if binary.LittleEndian.Uint64(sum[:]) != xxhash.Sum64(payload) {
		return
	}
	ok = true
	return
}
