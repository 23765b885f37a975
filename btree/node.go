// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/arbordb/arbor"
)

// Node payload layout (little endian):
//
//	byte[0]: flags, bit0 = leaf
//	byte[1]: reserved
//	byte[2:4]: key count
//	leaf body:   count * { uvarint klen, key, uvarint vlen, val }
//	branch body: child[0] uint32, count * { uvarint klen, key, child uint32 }
//
// A branch with N keys has N+1 children; keys are strictly increasing.
const headSize = 4

const flagLeaf = 0x01

// node is a decoded tree node. Decoding copies all bytes out of the block
// buffer, so nodes stay valid after the buffer is recycled and can be
// mutated freely during a copy-on-write proposal.
type node struct {
	leaf     bool
	keys     [][]byte
	vals     [][]byte  // leaves only
	children []BlockID // branches only, len(keys)+1
}

func decodeNode(payload []byte) (n *node, err error) {
	if len(payload) < headSize {
		err = fmt.Errorf("node: short payload: %w", arbor.ErrCorruption)
		return
	}

	bad := func(what string) error {
		return fmt.Errorf("node %s: %w", what, arbor.ErrCorruption)
	}

	n = &node{leaf: payload[0]&flagLeaf != 0}
	count := int(binary.LittleEndian.Uint16(payload[2:]))
	body := payload[headSize:]

	getBytes := func() ([]byte, error) {
		size, c := binary.Uvarint(body)
		if c <= 0 || size > uint64(len(body)-c) {
			return nil, bad("item")
		}
		item := append([]byte(nil), body[c:c+int(size)]...)
		body = body[c+int(size):]
		return item, nil
	}
	getChild := func() (BlockID, error) {
		if len(body) < 4 {
			return 0, bad("child")
		}
		child := BlockID(binary.LittleEndian.Uint32(body))
		body = body[4:]
		return child, nil
	}

	n.keys = make([][]byte, 0, count)
	if n.leaf {
		n.vals = make([][]byte, 0, count)
		for range count {
			key, err := getBytes()
			if err != nil {
				return nil, err
			}
			val, err := getBytes()
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, key)
			n.vals = append(n.vals, val)
		}
		return
	}

	n.children = make([]BlockID, 0, count+1)
	child, err := getChild()
	if err != nil {
		return nil, err
	}
	n.children = append(n.children, child)
	for range count {
		key, err := getBytes()
		if err != nil {
			return nil, err
		}
		if child, err = getChild(); err != nil {
			return nil, err
		}
		n.keys = append(n.keys, key)
		n.children = append(n.children, child)
	}
	return
}

func (n *node) size() int {
	size := headSize
	if n.leaf {
		for i, key := range n.keys {
			size += uvarintLen(len(key)) + len(key)
			size += uvarintLen(len(n.vals[i])) + len(n.vals[i])
		}
		return size
	}
	size += 4
	for _, key := range n.keys {
		size += uvarintLen(len(key)) + len(key) + 4
	}
	return size
}

func (n *node) encode(payload []byte) error {
	if n.size() > len(payload) {
		return fmt.Errorf("node of %d bytes overflows block: %w", n.size(), arbor.ErrNoSpace)
	}

	payload[0] = 0
	if n.leaf {
		payload[0] = flagLeaf
	}
	payload[1] = 0
	binary.LittleEndian.PutUint16(payload[2:], uint16(len(n.keys)))

	body := payload[headSize:headSize]
	putBytes := func(item []byte) {
		body = binary.AppendUvarint(body, uint64(len(item)))
		body = append(body, item...)
	}

	if n.leaf {
		for i, key := range n.keys {
			putBytes(key)
			putBytes(n.vals[i])
		}
		return nil
	}

	body = binary.LittleEndian.AppendUint32(body, uint32(n.children[0]))
	for i, key := range n.keys {
		putBytes(key)
		body = binary.LittleEndian.AppendUint32(body, uint32(n.children[i+1]))
	}
	return nil
}

func uvarintLen(v int) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// loadNode reads and decodes one node block.
func loadNode(reader arbor.BlockReader, blockID BlockID) (n *node, err error) {
	buffer := reader.AllocateBuffer()
	defer reader.RecycleBuffer(buffer)

	if err = reader.ReadBlock(blockID, buffer); err != nil {
		return
	}
	if n, err = decodeNode(buffer[:reader.PageSize()]); err != nil {
		err = fmt.Errorf("block %d: %w", blockID, err)
	}
	return
}

// Children decodes the child addresses of an encoded node payload.
// Leaves have none.
func Children(payload []byte) (children []BlockID, err error) {
	n, err := decodeNode(payload)
	if err != nil {
		return
	}
	children = n.children
	return
}

// ChildrenOf reads a node block and returns its child addresses.
func ChildrenOf(reader arbor.BlockReader, blockID BlockID) (children []BlockID, err error) {
	n, err := loadNode(reader, blockID)
	if err != nil {
		return
	}
	children = n.children
	return
}
