// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor"
	"github.com/arbordb/arbor/mem"
)

type testOpt struct {
	magic [4]byte
	size  int
	cache int64
}

func (o testOpt) MagicCode() [4]byte { return o.magic }
func (o testOpt) BlockSize() int     { return o.size }
func (o testOpt) CacheSize() int64   { return o.cache }

var opt = testOpt{magic: [4]byte{'t', 'e', 's', 't'}, size: 512}

func TestFormatAndReopen(t *testing.T) {
	file := new(mem.File)

	s := new(Store[*mem.File])
	sb, err := s.Load(file, opt)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sb.BlockCount)
	require.Zero(t, sb.Root)
	require.Equal(t, 508, s.PageSize())

	// Fill two blocks and persist a superblock naming block 1 as root.
	id1, err := s.Allocate()
	require.NoError(t, err)
	id2, err := s.Allocate()
	require.NoError(t, err)
	require.Equal(t, BlockID(1), id1)
	require.Equal(t, BlockID(2), id2)

	for _, id := range []BlockID{id1, id2} {
		buffer := s.AllocateBuffer()
		for i := range s.PageSize() {
			buffer[i] = byte(id)
		}
		require.NoError(t, s.WriteBlock(id, buffer))
		s.RecycleBuffer(buffer)
	}

	image, err := s.NextSuperblock(id1, 0, 0, 9)
	require.NoError(t, err)
	buffer := s.AllocateBuffer()
	copy(buffer, image)
	require.NoError(t, s.WriteBlock(0, buffer))
	s.RecycleBuffer(buffer)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	// Reopen from the same file.
	s = new(Store[*mem.File])
	sb, err = s.Load(file, opt)
	require.NoError(t, err)
	require.Equal(t, BlockID(1), sb.Root)
	require.Equal(t, uint32(3), sb.BlockCount)
	require.Equal(t, uint64(9), sb.Sequence)

	buffer = s.AllocateBuffer()
	require.NoError(t, s.ReadBlock(id2, buffer))
	require.Equal(t, byte(2), buffer[0])
	s.RecycleBuffer(buffer)
	require.NoError(t, s.Close())

	// Closed store fails, does not panic.
	require.ErrorIs(t, s.ReadBlock(id2, buffer), arbor.ErrClosed)
}

func TestLoadRejects(t *testing.T) {
	s := new(Store[*mem.File])
	_, err := s.Load(new(mem.File), testOpt{magic: opt.magic, size: 100})
	require.ErrorIs(t, err, arbor.ErrInvalidBlockSize)

	// Format with one magic, reopen with another.
	file := new(mem.File)
	s = new(Store[*mem.File])
	_, err = s.Load(file, opt)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = new(Store[*mem.File])
	_, err = s.Load(file, testOpt{magic: [4]byte{'w', 'a', 'n', 'g'}, size: opt.size})
	require.ErrorIs(t, err, arbor.ErrUnknownMagicCode)

	// A partial superblock is a truncated file, not an empty one.
	file = new(mem.File)
	file.WriteAt(make([]byte, 37), 0)
	s = new(Store[*mem.File])
	_, err = s.Load(file, opt)
	require.ErrorIs(t, err, arbor.ErrFileTruncated)

	// A torn superblock write fails the checksum.
	file = new(mem.File)
	s = new(Store[*mem.File])
	_, err = s.Load(file, opt)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	file.WriteAt([]byte{0xff}, 20)
	s = new(Store[*mem.File])
	_, err = s.Load(file, opt)
	require.ErrorIs(t, err, arbor.ErrCorruption)
}

func TestAllocateFreeReuse(t *testing.T) {
	s := new(Store[*mem.File])
	_, err := s.Load(new(mem.File), opt)
	require.NoError(t, err)
	defer s.Close()

	id1, _ := s.Allocate()
	id2, _ := s.Allocate()
	id3, _ := s.Allocate()
	require.Equal(t, []BlockID{1, 2, 3}, []BlockID{id1, id2, id3})

	s.Free(id2)
	s.Free(id1)

	// Freelist is reused before the file grows, most recent first.
	id, _ := s.Allocate()
	require.Equal(t, id1, id)
	id, _ = s.Allocate()
	require.Equal(t, id2, id)
	id, _ = s.Allocate()
	require.Equal(t, BlockID(4), id)
}

func TestPendingQuarantine(t *testing.T) {
	s := new(Store[*mem.File])
	_, err := s.Load(new(mem.File), opt)
	require.NoError(t, err)
	defer s.Close()

	id1, _ := s.Allocate()
	id2, _ := s.Allocate()
	s.FreePending(id1)
	s.FreePending(id2)

	// Quarantined blocks are not allocatable.
	id, _ := s.Allocate()
	require.Equal(t, BlockID(3), id)

	s.Promote([]BlockID{id1})
	id, _ = s.Allocate()
	require.Equal(t, id1, id)

	// The rest stays quarantined.
	id, _ = s.Allocate()
	require.Equal(t, BlockID(4), id)
	require.Equal(t, 1, s.FreeCount())
}

func TestPendingPromotedAtLoad(t *testing.T) {
	file := new(mem.File)
	s := new(Store[*mem.File])
	_, err := s.Load(file, opt)
	require.NoError(t, err)

	id1, _ := s.Allocate()
	s.FreePending(id1)

	image, err := s.NextSuperblock(0, 0, 0, 1)
	require.NoError(t, err)
	buffer := s.AllocateBuffer()
	copy(buffer, image)
	require.NoError(t, s.WriteBlock(0, buffer))
	s.RecycleBuffer(buffer)
	require.NoError(t, s.Close())

	// No reader survives a restart, so the pending block is free again.
	s = new(Store[*mem.File])
	sb, err := s.Load(file, opt)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, []BlockID{id1}, sb.Pending)

	id, _ := s.Allocate()
	require.Equal(t, id1, id)
}

func TestMarkRollback(t *testing.T) {
	s := new(Store[*mem.File])
	_, err := s.Load(new(mem.File), opt)
	require.NoError(t, err)
	defer s.Close()

	id1, _ := s.Allocate()
	mark := s.Mark()

	id2, _ := s.Allocate()
	s.Free(id1)
	s.FreePending(id2)

	s.Rollback(mark)

	// Allocation state is exactly as marked: id2 is handed out again.
	id, _ := s.Allocate()
	require.Equal(t, id2, id)
	require.Equal(t, 0, s.FreeCount())
}

func TestReadBlockCorruption(t *testing.T) {
	file := new(mem.File)
	s := new(Store[*mem.File])
	_, err := s.Load(file, opt)
	require.NoError(t, err)
	defer s.Close()

	id, _ := s.Allocate()
	buffer := s.AllocateBuffer()
	copy(buffer, []byte("payload"))
	require.NoError(t, s.WriteBlock(id, buffer))

	// Flip a payload byte behind the store's back.
	file.WriteAt([]byte{0xee}, int64(id)*int64(opt.size)+3)

	err = s.ReadBlock(id, buffer)
	require.ErrorIs(t, err, arbor.ErrCorruption)
	s.RecycleBuffer(buffer)
}

func TestCachedReads(t *testing.T) {
	file := new(mem.File)
	s := new(Store[*mem.File])
	_, err := s.Load(file, testOpt{magic: opt.magic, size: opt.size, cache: 1 << 20})
	require.NoError(t, err)
	defer s.Close()

	id, _ := s.Allocate()
	buffer := s.AllocateBuffer()
	defer s.RecycleBuffer(buffer)
	copy(buffer, []byte("cached"))
	require.NoError(t, s.WriteBlock(id, buffer))

	for range 3 {
		clear(buffer)
		require.NoError(t, s.ReadBlock(id, buffer))
		require.Equal(t, []byte("cached"), buffer[:6])
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		Magic:      [4]byte{'t', 'e', 's', 't'},
		Version:    formatVersion,
		BlockSize:  4096,
		BlockCount: 77,
		Root:       12,
		RefTable:   13,
		SnapDir:    14,
		Sequence:   1 << 40,
		Freelist:   []BlockID{5, 6, 7},
		Pending:    []BlockID{8},
	}

	buffer := make([]byte, 256)
	require.NoError(t, sb.encode(buffer))

	var got Superblock
	require.NoError(t, got.decode(buffer))
	require.Equal(t, sb, got)

	// Zero-valued fields are omitted and decode back to zero.
	sb = Superblock{Magic: sb.Magic, Version: 1, BlockSize: 512, BlockCount: 1}
	require.NoError(t, sb.encode(buffer))
	got = Superblock{}
	require.NoError(t, got.decode(buffer))
	require.Equal(t, sb, got)

	tiny := make([]byte, 8)
	require.ErrorIs(t, sb.encode(tiny), arbor.ErrNoSpace)
}
