// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/arbordb/arbor"
	"github.com/google/uuid"
)

// The table and the directory persist as chains of ordinary blocks. Each
// chain block payload is, little endian:
//
//	next      uint32 (0 terminates the chain)
//	count     uvarint
//	entries   count * entry
//
// Table entry:     { uvarint block, uvarint count }
// Directory entry: { id [16]byte, uvarint root, varint createdAt (unix),
//	                  uvarint len(name), name }
//
// Chains are rewritten wholesale on every commit; the old chain blocks are
// returned to the caller for quarantine. Chain blocks themselves are never
// reference counted.

const chainHeadSize = 4

// StagedBlock is one proposed chain block image, to be staged alongside the
// tree pages of the committing transaction.
type StagedBlock struct {
	ID    BlockID
	Image []byte
}

// EncodeTable renders the reference counts into a fresh chain. It returns the
// chain head, the proposed block images, and the blocks of the previous chain
// that are now obsolete.
func (m *Manager) EncodeTable(pager arbor.Pager) (head BlockID, staged []StagedBlock, obsolete []BlockID, err error) {
	ids := make([]BlockID, 0, len(m.counts))
	for blockID := range m.counts {
		ids = append(ids, blockID)
	}
	slices.Sort(ids)

	entries := make([][]byte, len(ids))
	for i, blockID := range ids {
		entry := binary.AppendUvarint(nil, uint64(blockID))
		entries[i] = binary.AppendUvarint(entry, uint64(m.counts[blockID]))
	}

	head, staged, err = encodeChain(pager, entries)
	if err != nil {
		return
	}
	obsolete = m.tableChain
	m.tableChain = chainIDs(staged)
	return
}

// EncodeDir renders the snapshot directory into a fresh chain, mirroring
// EncodeTable.
func (m *Manager) EncodeDir(pager arbor.Pager) (head BlockID, staged []StagedBlock, obsolete []BlockID, err error) {
	entries := make([][]byte, len(m.snaps))
	for i, snap := range m.snaps {
		entry := append([]byte(nil), snap.ID[:]...)
		entry = binary.AppendUvarint(entry, uint64(snap.Root))
		entry = binary.AppendVarint(entry, snap.CreatedAt.Unix())
		entry = binary.AppendUvarint(entry, uint64(len(snap.Name)))
		entries[i] = append(entry, snap.Name...)
	}

	head, staged, err = encodeChain(pager, entries)
	if err != nil {
		return
	}
	obsolete = m.dirChain
	m.dirChain = chainIDs(staged)
	return
}

func chainIDs(staged []StagedBlock) []BlockID {
	ids := make([]BlockID, len(staged))
	for i, block := range staged {
		ids[i] = block.ID
	}
	return ids
}

// encodeChain packs entries into as few blocks as fit, links them, and
// reserves addresses for them. No entries yields an empty chain (head 0).
func encodeChain(pager arbor.Pager, entries [][]byte) (head BlockID, staged []StagedBlock, err error) {
	if len(entries) == 0 {
		return
	}
	pageSize := pager.PageSize()

	// Group entries by block capacity first; addresses and next pointers are
	// resolved once the number of blocks is known.
	var groups [][][]byte
	var group [][]byte
	used := chainHeadSize + binary.MaxVarintLen32
	for _, entry := range entries {
		if used+len(entry) > pageSize && len(group) > 0 {
			groups = append(groups, group)
			group = nil
			used = chainHeadSize + binary.MaxVarintLen32
		}
		if used+len(entry) > pageSize {
			return 0, nil, fmt.Errorf("chain entry of %d bytes overflows block: %w", len(entry), arbor.ErrNoSpace)
		}
		group = append(group, entry)
		used += len(entry)
	}
	groups = append(groups, group)

	ids := make([]BlockID, len(groups))
	for i := range groups {
		if ids[i], err = pager.Allocate(); err != nil {
			return 0, nil, err
		}
	}

	staged = make([]StagedBlock, len(groups))
	for i, group := range groups {
		image := make([]byte, pageSize)
		if i+1 < len(groups) {
			binary.LittleEndian.PutUint32(image, uint32(ids[i+1]))
		}
		body := image[chainHeadSize:chainHeadSize]
		body = binary.AppendUvarint(body, uint64(len(group)))
		for _, entry := range group {
			body = append(body, entry...)
		}
		staged[i] = StagedBlock{ID: ids[i], Image: image}
	}
	return ids[0], staged, nil
}

// walkChain visits every chain block payload from head, returning the chain's
// block addresses.
func walkChain(reader arbor.BlockReader, head BlockID, visit func(body []byte, count int) error) (chain []BlockID, err error) {
	buffer := reader.AllocateBuffer()
	defer reader.RecycleBuffer(buffer)

	for blockID := head; blockID != 0; {
		if err = reader.ReadBlock(blockID, buffer); err != nil {
			return
		}
		chain = append(chain, blockID)

		payload := buffer[:reader.PageSize()]
		next := BlockID(binary.LittleEndian.Uint32(payload))
		count, c := binary.Uvarint(payload[chainHeadSize:])
		if c <= 0 {
			return nil, fmt.Errorf("chain block %d: bad count: %w", blockID, arbor.ErrCorruption)
		}
		if err = visit(payload[chainHeadSize+c:], int(count)); err != nil {
			return nil, fmt.Errorf("chain block %d: %w", blockID, err)
		}
		blockID = next
	}
	return
}

func decodeTable(reader arbor.BlockReader, head BlockID) (counts map[BlockID]uint32, chain []BlockID, err error) {
	counts = map[BlockID]uint32{}
	chain, err = walkChain(reader, head, func(body []byte, count int) error {
		for range count {
			blockID, c := binary.Uvarint(body)
			if c <= 0 || blockID == 0 || blockID > uint64(^BlockID(0)) {
				return fmt.Errorf("bad entry: %w", arbor.ErrCorruption)
			}
			body = body[c:]
			refs, c := binary.Uvarint(body)
			if c <= 0 || refs == 0 || refs > uint64(^uint32(0)) {
				return fmt.Errorf("bad entry: %w", arbor.ErrCorruption)
			}
			body = body[c:]
			counts[BlockID(blockID)] = uint32(refs)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return
}

func decodeDir(reader arbor.BlockReader, head BlockID) (snaps []Snapshot, chain []BlockID, err error) {
	chain, err = walkChain(reader, head, func(body []byte, count int) error {
		for range count {
			if len(body) < 16 {
				return fmt.Errorf("bad entry: %w", arbor.ErrCorruption)
			}
			var snap Snapshot
			snap.ID = uuid.UUID(body[:16])
			body = body[16:]

			root, c := binary.Uvarint(body)
			if c <= 0 || root > uint64(^BlockID(0)) {
				return fmt.Errorf("bad entry: %w", arbor.ErrCorruption)
			}
			body = body[c:]
			snap.Root = BlockID(root)

			createdAt, c := binary.Varint(body)
			if c <= 0 {
				return fmt.Errorf("bad entry: %w", arbor.ErrCorruption)
			}
			body = body[c:]
			snap.CreatedAt = time.Unix(createdAt, 0).UTC()

			nameLen, c := binary.Uvarint(body)
			if c <= 0 || nameLen > uint64(len(body)-c) {
				return fmt.Errorf("bad entry: %w", arbor.ErrCorruption)
			}
			snap.Name = string(body[c : c+int(nameLen)])
			body = body[c+int(nameLen):]

			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return
}
