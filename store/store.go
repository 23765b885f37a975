// Copyright 2026 arbordb
// SPDX-License-Identifier: Apache-2.0

// Package store implements the fixed-size block store over an arbor.File.
//
// Block 0 holds the superblock; every other block carries an engine payload
// protected by a CRC32 trailer. The store owns allocation state: a freelist of
// reclaimable blocks plus a pending list of blocks retired by a commit but
// still visible to older reader checkpoints.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/arbordb/arbor"
)

type BlockID = arbor.BlockID

// Option configures a Store at load time.
type Option interface {
	MagicCode() [4]byte
	BlockSize() int
}

// CacheSize is an optional narrowing of Option enabling the block read cache.
type CacheSize interface {
	CacheSize() int64
}

var castagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliCrcTable)
}

type phase struct{ error }

var readwrite = &phase{errors.New("readwrite")}

// Store is a fixed-size block store. Reads never take the mutex; allocation,
// free accounting and the failure phase are guarded by it.
type Store[F arbor.File] struct {
	file  F
	pool  sync.Pool
	cache *blockCache
	phase atomic.Pointer[phase]
	mutex sync.Mutex

	size  int
	magic [4]byte

	count   uint32
	free    []BlockID
	pending []BlockID
}

var _ arbor.Pager = (*Store[arbor.File])(nil)
var _ arbor.BlockWriter = (*Store[arbor.File])(nil)

func (store *Store[F]) File() F {
	return store.file
}

// Load opens the store over file. An empty file is formatted with a fresh
// superblock; otherwise the superblock is decoded and verified. Blocks on the
// pending list are promoted to the freelist, since no reader can outlive a
// restart.
func (store *Store[F]) Load(file F, opt Option) (sb Superblock, err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.phase.Load() != nil {
		panic("store.Load: already open")
	}

	blockSize := opt.BlockSize()
	if blockSize < minBlockSize || blockSize > math.MaxUint16 {
		err = fmt.Errorf("store.Load: %d is %w", blockSize, arbor.ErrInvalidBlockSize)
		return
	}

	store.file = file
	store.size = blockSize
	store.magic = opt.MagicCode()
	store.pool.New = func() any { return make([]byte, blockSize) }

	var cacheSize int64
	if o, ok := opt.(CacheSize); ok {
		cacheSize = o.CacheSize()
	}
	if store.cache, err = newBlockCache(cacheSize); err != nil {
		err = fmt.Errorf("store.Load: %w", err)
		return
	}

	sb, err = store.load()
	if err != nil {
		err = fmt.Errorf("store.Load: %w", err)
		return
	}

	store.count = sb.BlockCount
	store.free = append([]BlockID(nil), sb.Freelist...)
	store.free = append(store.free, sb.Pending...)
	store.pending = nil
	store.phase.Store(readwrite)
	return
}

// Reload re-reads the superblock and resets allocation state from it, exactly
// as Load does. Called after journal recovery rewrites block 0 underneath an
// already-open store.
func (store *Store[F]) Reload() (sb Superblock, err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.phase.Load() != readwrite {
		err = store.Error()
		return
	}

	if sb, err = store.load(); err != nil {
		err = fmt.Errorf("store.Reload: %w", err)
		return
	}
	store.count = sb.BlockCount
	store.free = append([]BlockID(nil), sb.Freelist...)
	store.free = append(store.free, sb.Pending...)
	store.pending = nil
	return
}

func (store *Store[F]) load() (sb Superblock, err error) {
	buffer := make([]byte, store.size)
	n, err := store.file.ReadAt(buffer, 0)
	if n == 0 {
		if err == io.EOF || err == nil {
			return store.format()
		}
		return
	}
	if n < store.size {
		err = arbor.ErrFileTruncated
		return
	}
	// A full read may still carry io.EOF.
	err = nil

	sum := binary.LittleEndian.Uint32(buffer[store.size-4:])
	if sum != checksum(buffer[:store.size-4]) {
		err = fmt.Errorf("superblock has %w: bad checksum", arbor.ErrCorruption)
		return
	}

	if err = sb.decode(buffer[:store.size-4]); err != nil {
		return
	}
	if sb.Magic != store.magic {
		err = fmt.Errorf("superblock: %w", arbor.ErrUnknownMagicCode)
		return
	}
	if int(sb.BlockSize) != store.size {
		err = fmt.Errorf("superblock block size %d: %w", sb.BlockSize, arbor.ErrInvalidBlockSize)
		return
	}
	return
}

func (store *Store[F]) format() (sb Superblock, err error) {
	sb.Magic = store.magic
	sb.Version = formatVersion
	sb.BlockSize = uint32(store.size)
	sb.BlockCount = 1

	buffer := make([]byte, store.size)
	if err = sb.encode(buffer[:store.size-4]); err != nil {
		return
	}
	binary.LittleEndian.PutUint32(buffer[store.size-4:], checksum(buffer[:store.size-4]))

	if _, err = store.file.WriteAt(buffer, 0); err != nil {
		return
	}
	err = store.file.Sync()
	return
}

// Close releases the store. Further operations fail with ErrClosed.
func (store *Store[F]) Close() error {
	phase := store.phase.Swap(nil)
	if phase == nil {
		return nil
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.cache.close()
	store.cache = nil
	store.free = nil
	store.pending = nil
	store.pool.New = nil
	return store.file.Close()
}

// Error reports the sticky failure state, if any.
func (store *Store[F]) Error() (err error) {
	phase := store.phase.Load()
	if phase == readwrite {
		return
	}
	if phase == nil {
		return arbor.ErrClosed
	}
	return phase.error
}

func (store *Store[F]) fail(err error) {
	store.phase.CompareAndSwap(readwrite, &phase{err})
}

// PageSize returns the usable payload bytes per block.
func (store *Store[F]) PageSize() int {
	return store.size - 4
}

// BlockSize returns the full block size in bytes.
func (store *Store[F]) BlockSize() int {
	return store.size
}

// BlockCount returns the total number of blocks, superblock included.
func (store *Store[F]) BlockCount() uint32 {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.count
}

// FreeCount returns the number of reclaimable blocks (pending included).
func (store *Store[F]) FreeCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.free) + len(store.pending)
}

func (store *Store[F]) AllocateBuffer() []byte {
	return store.pool.Get().([]byte)
}

func (store *Store[F]) RecycleBuffer(buffer []byte) {
	store.pool.Put(buffer)
}

// Allocate reserves a block address, reusing the freelist before extending
// the file. It writes nothing.
func (store *Store[F]) Allocate() (blockID BlockID, err error) {
	if err = store.Error(); err != nil {
		return
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	if n := len(store.free); n > 0 {
		blockID = store.free[n-1]
		store.free = store.free[:n-1]
		return
	}
	if store.count == math.MaxUint32 {
		err = fmt.Errorf("store.Allocate: %w", arbor.ErrNoSpace)
		return
	}
	blockID = BlockID(store.count)
	store.count++
	return
}

// Free returns a block to the freelist for immediate reuse.
func (store *Store[F]) Free(blockID BlockID) {
	assertBlockID("store.Free", blockID)
	store.cache.del(blockID)
	store.mutex.Lock()
	store.free = append(store.free, blockID)
	store.mutex.Unlock()
}

// FreePending quarantines a block retired by a commit. It becomes allocatable
// only after Promote, once no older reader checkpoint can reach it.
func (store *Store[F]) FreePending(blockID BlockID) {
	assertBlockID("store.FreePending", blockID)
	store.cache.del(blockID)
	store.mutex.Lock()
	store.pending = append(store.pending, blockID)
	store.mutex.Unlock()
}

// Promote moves the given quarantined blocks to the freelist.
func (store *Store[F]) Promote(blockIDs []BlockID) {
	if len(blockIDs) == 0 {
		return
	}
	promote := make(map[BlockID]bool, len(blockIDs))
	for _, blockID := range blockIDs {
		promote[blockID] = true
	}

	store.mutex.Lock()
	rest := store.pending[:0]
	for _, blockID := range store.pending {
		if promote[blockID] {
			store.free = append(store.free, blockID)
		} else {
			rest = append(rest, blockID)
		}
	}
	store.pending = rest
	store.mutex.Unlock()
}

// Mark captures allocation state so a failed proposal can be rolled back.
type Mark struct {
	count   uint32
	free    []BlockID
	pending []BlockID
}

func (store *Store[F]) Mark() Mark {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return Mark{
		count:   store.count,
		free:    append([]BlockID(nil), store.free...),
		pending: append([]BlockID(nil), store.pending...),
	}
}

// Rollback restores allocation state captured by Mark. Block contents are
// untouched: proposed images were never written.
func (store *Store[F]) Rollback(mark Mark) {
	store.mutex.Lock()
	store.count = mark.count
	store.free = mark.free
	store.pending = mark.pending
	store.mutex.Unlock()
}

func (store *Store[F]) offset(blockID BlockID) int64 {
	return int64(blockID) * int64(store.size)
}

// ReadBlock reads the block into buffer (one full block) and verifies its
// checksum trailer.
func (store *Store[F]) ReadBlock(blockID BlockID, buffer []byte) (err error) {
	if err = store.Error(); err != nil {
		return
	}
	if len(buffer) < store.size {
		panic(fmt.Sprintf("store.ReadBlock(%d): short buffer", blockID))
	}

	if store.cache.get(blockID, buffer[:store.size]) {
		return
	}

	if _, err = store.file.ReadAt(buffer[:store.size], store.offset(blockID)); err != nil {
		err = fmt.Errorf("store.ReadBlock(%d): %w", blockID, err)
		return
	}

	sum := binary.LittleEndian.Uint32(buffer[store.size-4:])
	if sum != checksum(buffer[:store.size-4]) {
		err = fmt.Errorf("block %d has %w: bad checksum", blockID, arbor.ErrCorruption)
		return
	}

	store.cache.set(blockID, buffer[:store.size])
	return
}

// WriteBlock stamps the checksum trailer and writes the block home.
func (store *Store[F]) WriteBlock(blockID BlockID, buffer []byte) (err error) {
	if err = store.Error(); err != nil {
		return
	}
	if len(buffer) < store.size {
		panic(fmt.Sprintf("store.WriteBlock(%d): short buffer", blockID))
	}

	store.cache.del(blockID)
	binary.LittleEndian.PutUint32(buffer[store.size-4:], checksum(buffer[:store.size-4]))
	if _, err = store.file.WriteAt(buffer[:store.size], store.offset(blockID)); err != nil {
		err = fmt.Errorf("store.WriteBlock(%d): %w", blockID, err)
		store.fail(err)
	}
	return
}

// Sync flushes the file to stable storage.
func (store *Store[F]) Sync() (err error) {
	if err = store.Error(); err != nil {
		return
	}
	if err = store.file.Sync(); err != nil {
		err = fmt.Errorf("store.Sync: %w", err)
		store.fail(err)
	}
	return
}

// NextSuperblock renders the superblock image reflecting the current
// allocation state plus the given references. The image is staged through the
// journal like any other block; it is not written here.
func (store *Store[F]) NextSuperblock(root, refTable, snapDir BlockID, sequence uint64) (image []byte, err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	sb := Superblock{
		Magic:      store.magic,
		Version:    formatVersion,
		BlockSize:  uint32(store.size),
		BlockCount: store.count,
		Root:       root,
		RefTable:   refTable,
		SnapDir:    snapDir,
		Sequence:   sequence,
		Freelist:   store.free,
		Pending:    store.pending,
	}

	image = make([]byte, store.size-4)
	if err = sb.encode(image); err != nil {
		image = nil
		return
	}
	return
}

func assertBlockID(method string, blockID BlockID) {
	if blockID < 1 {
		panic(fmt.Sprintf("%s: blockID %d < 1", method, blockID))
	}
}
