// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/binary"
	"fmt"

	"github.com/arbordb/arbor"
)

const formatVersion = 1

// minBlockSize leaves room for the superblock fields plus a small freelist.
const minBlockSize = 512

// Superblock is the persisted root of everything: it names the current tree
// root, the retention tables and the journal position, and carries the
// allocation state. It is serialized as magic + TLV fields into block 0 and
// replaced atomically through the journal.
type Superblock struct {
	Magic   [4]byte
	Version byte

	BlockSize  uint32
	BlockCount uint32

	Root     BlockID // current tree root, 0 for an empty tree
	RefTable BlockID // head of the refcount table chain
	SnapDir  BlockID // head of the snapshot directory chain

	Sequence uint64 // last checkpointed journal transaction

	Freelist []BlockID
	Pending  []BlockID
}

// Superblock TLV keys. Positive keys hold uvarint values, negative keys hold
// length-prefixed byte fields, key 0 terminates.
const (
	sbVersion    = 1
	sbBlockSize  = 2
	sbBlockCount = 3
	sbRoot       = 4
	sbRefTable   = 5
	sbSnapDir    = 6
	sbSequence   = 7
	sbFreelist   = 8
	sbPending    = 9
)

func (sb *Superblock) encode(buffer []byte) (err error) {
	if len(buffer) < 4 {
		return fmt.Errorf("superblock: %w", arbor.ErrNoSpace)
	}
	copy(buffer, sb.Magic[:])

	e := tlvBuffer(buffer[4:4])
	e.putVal(sbVersion, uint64(sb.Version))
	e.putVal(sbBlockSize, uint64(sb.BlockSize))
	e.putVal(sbBlockCount, uint64(sb.BlockCount))
	e.putVal(sbRoot, uint64(sb.Root))
	e.putVal(sbRefTable, uint64(sb.RefTable))
	e.putVal(sbSnapDir, uint64(sb.SnapDir))
	e.putVal(sbSequence, sb.Sequence)
	e.putIDs(sbFreelist, sb.Freelist)
	e.putIDs(sbPending, sb.Pending)
	e.terminate()

	if len(e) > len(buffer)-4 {
		return fmt.Errorf("superblock: freelist overflows block: %w", arbor.ErrNoSpace)
	}
	return
}

func (sb *Superblock) decode(buffer []byte) (err error) {
	copy(sb.Magic[:], buffer)

	d := tlvReader(buffer[4:])
	for {
		key, done, err := d.key()
		if done || err != nil {
			return err
		}
		switch key {
		case sbVersion:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.Version = byte(v)
		case sbBlockSize:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.BlockSize = uint32(v)
		case sbBlockCount:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.BlockCount = uint32(v)
		case sbRoot:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.Root = BlockID(v)
		case sbRefTable:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.RefTable = BlockID(v)
		case sbSnapDir:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.SnapDir = BlockID(v)
		case sbSequence:
			v, err := d.val()
			if err != nil {
				return err
			}
			sb.Sequence = v
		case -sbFreelist:
			if sb.Freelist, err = d.ids(); err != nil {
				return err
			}
		case -sbPending:
			if sb.Pending, err = d.ids(); err != nil {
				return err
			}
		default:
			if err = d.skip(key); err != nil {
				return err
			}
		}
	}
}

// tlvBuffer appends TLV fields to an in-memory buffer.
type tlvBuffer []byte

func (e *tlvBuffer) putVal(key int64, val uint64) {
	if val == 0 {
		return
	}
	*e = binary.AppendVarint(*e, key)
	*e = binary.AppendUvarint(*e, val)
}

func (e *tlvBuffer) putIDs(key int64, ids []BlockID) {
	if len(ids) == 0 {
		return
	}
	*e = binary.AppendVarint(*e, -key)
	*e = binary.AppendUvarint(*e, uint64(4*len(ids)))
	for _, id := range ids {
		*e = binary.LittleEndian.AppendUint32(*e, uint32(id))
	}
}

func (e *tlvBuffer) terminate() {
	*e = append(*e, 0)
}

// tlvReader consumes TLV fields from a buffer.
type tlvReader []byte

func (d *tlvReader) key() (key int64, done bool, err error) {
	key, n := binary.Varint(*d)
	if n <= 0 {
		err = fmt.Errorf("superblock field key: %w", arbor.ErrCorruption)
		return
	}
	*d = (*d)[n:]
	done = key == 0
	return
}

func (d *tlvReader) val() (val uint64, err error) {
	val, n := binary.Uvarint(*d)
	if n <= 0 {
		err = fmt.Errorf("superblock field value: %w", arbor.ErrCorruption)
		return
	}
	*d = (*d)[n:]
	return
}

func (d *tlvReader) bytes() (val []byte, err error) {
	size, err := d.val()
	if err != nil {
		return
	}
	if size > uint64(len(*d)) {
		err = fmt.Errorf("superblock field length %d: %w", size, arbor.ErrCorruption)
		return
	}
	val = (*d)[:size]
	*d = (*d)[size:]
	return
}

func (d *tlvReader) ids() (ids []BlockID, err error) {
	blob, err := d.bytes()
	if err != nil {
		return
	}
	if len(blob)%4 != 0 {
		err = fmt.Errorf("superblock id list: %w", arbor.ErrCorruption)
		return
	}
	ids = make([]BlockID, 0, len(blob)/4)
	for len(blob) > 0 {
		ids = append(ids, BlockID(binary.LittleEndian.Uint32(blob)))
		blob = blob[4:]
	}
	return
}

// skip discards an unknown field, keeping the format forward-compatible.
func (d *tlvReader) skip(key int64) (err error) {
	if key > 0 {
		_, err = d.val()
		return
	}
	_, err = d.bytes()
	return
}
