// Package arbor defines the storage contracts shared by the engine components.
package arbor

import "io"

// File provides access to a storage backend for the engine.
// The File interface is the minimum implementation required.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error
}

// BlockID addresses one fixed-size block. 0 means "no block"; block 0 holds
// the superblock, so tree and journal payloads always live at IDs >= 1.
type BlockID uint32

// BlockReader is the read-side block capability.
//
// Buffers returned by AllocateBuffer span a whole block; the first PageSize
// bytes are payload, the rest is the checksum trailer owned by the store.
type BlockReader interface {
	PageSize() int
	AllocateBuffer() []byte
	RecycleBuffer(buffer []byte)
	ReadBlock(blockID BlockID, buffer []byte) error
}

// Allocator hands out fresh block addresses. Allocation alone writes nothing.
type Allocator interface {
	Allocate() (BlockID, error)
}

// Pager is what a copy-on-write mutation needs: it reads existing blocks and
// reserves addresses for proposed ones, but never writes.
type Pager interface {
	BlockReader
	Allocator
}

// BlockWriter is the apply-side capability used when a committed transaction
// is copied to home block locations.
type BlockWriter interface {
	PageSize() int
	AllocateBuffer() []byte
	RecycleBuffer(buffer []byte)
	WriteBlock(blockID BlockID, buffer []byte) error
	Sync() error
}
