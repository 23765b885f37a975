// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/arbordb/arbor"
)

// Record layout:
//
//	magic[4] | uvarint payloadLen | payload | xxhash64(payload) LE
//
// payload:
//
//	uvarint txnID | uvarint count | count * { uvarint blockID, image } | uvarint newRoot
//
// Images are exactly pageSize bytes, so frames need no per-frame length. A
// record whose magic, length, framing or hash does not check out is a
// truncated or torn tail and is treated as never committed.
var recordMagic = [4]byte{'a', 'j', 'n', '1'}

// minRecordSize is a lower bound for an empty commit record.
const minRecordSize = 4 + 1 + 3 + 8

// maxRecordSize guards the recovery scan against absurd length prefixes.
const maxRecordSize = 1 << 31

func encodeRecord(txnID uint64, ids []BlockID, images [][]byte, newRoot BlockID) []byte {
	payload := binary.AppendUvarint(nil, txnID)
	payload = binary.AppendUvarint(payload, uint64(len(ids)))
	for i, blockID := range ids {
		payload = binary.AppendUvarint(payload, uint64(blockID))
		payload = append(payload, images[i]...)
	}
	payload = binary.AppendUvarint(payload, uint64(newRoot))

	record := append([]byte(nil), recordMagic[:]...)
	record = binary.AppendUvarint(record, uint64(len(payload)))
	record = append(record, payload...)
	record = binary.LittleEndian.AppendUint64(record, xxhash.Sum64(payload))
	return record
}

type frame struct {
	blockID BlockID
	image   []byte
}

func decodeRecord(payload []byte, pageSize int) (txnID uint64, frames []frame, newRoot BlockID, err error) {
	bad := func(what string) error {
		return fmt.Errorf("journal record %s: %w", what, arbor.ErrCorruption)
	}

	txnID, n := binary.Uvarint(payload)
	if n <= 0 {
		err = bad("txn id")
		return
	}
	payload = payload[n:]

	count, n := binary.Uvarint(payload)
	if n <= 0 {
		err = bad("frame count")
		return
	}
	payload = payload[n:]

	frames = make([]frame, 0, count)
	for range count {
		blockID, n := binary.Uvarint(payload)
		if n <= 0 {
			err = bad("frame block id")
			return
		}
		payload = payload[n:]
		if len(payload) < pageSize {
			err = bad("frame image")
			return
		}
		frames = append(frames, frame{BlockID(blockID), payload[:pageSize]})
		payload = payload[pageSize:]
	}

	root, n := binary.Uvarint(payload)
	if n <= 0 || n != len(payload) {
		err = bad("root reference")
		return
	}
	newRoot = BlockID(root)
	return
}
