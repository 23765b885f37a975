// Package mem provides an in-memory arbor.File for tests and tooling.
package mem

import (
	"io"
	"sync"

	"github.com/arbordb/arbor"
)

// File is an in-memory implementation of the arbor.File interface.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization - just declare and use:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
type File struct {
	rw  sync.RWMutex
	buf []byte
}

var _ arbor.File = new(File)

// Close clears all data stored in the File and releases memory.
// It is safe to write to the file again after closing.
func (file *File) Close() error {
	file.rw.Lock()
	file.buf = nil
	file.rw.Unlock()
	return nil
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return int64(len(file.buf))
}

// ReadFrom reads data from r until EOF and replaces the entire file content.
// io.EOF is not returned as an error.
func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	file.rw.Lock()
	defer file.rw.Unlock()

	file.buf = file.buf[:0]
	var chunk [32 * 1024]byte
	for {
		c, err := r.Read(chunk[:])
		if c > 0 {
			n += int64(c)
			file.buf = append(file.buf, chunk[:c]...)
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			return n, err
		}
	}
}

// WriteTo writes the entire file content to w.
func (file *File) WriteTo(w io.Writer) (n int64, err error) {
	file.rw.RLock()
	defer file.rw.RUnlock()

	c, err := w.Write(file.buf)
	n = int64(c)
	return
}

// WriteAt writes len(p) bytes from p to the file starting at byte offset off.
// Writing past the current size grows the file; the gap is zero-filled.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.Lock()
	defer file.rw.Unlock()

	if size := off + int64(len(p)); size > int64(len(file.buf)) {
		grown := make([]byte, size)
		copy(grown, file.buf)
		file.buf = grown
	}
	n = copy(file.buf[off:], p)
	return
}

// ReadAt reads len(p) bytes into p starting at byte offset off in the file.
// A read past the end of the file returns io.EOF.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.RLock()
	defer file.rw.RUnlock()

	if off >= int64(len(file.buf)) {
		return 0, io.EOF
	}
	n = copy(p, file.buf[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Truncate changes the size of the file. Growing zero-fills the new space.
func (file *File) Truncate(size int64) error {
	file.rw.Lock()
	defer file.rw.Unlock()

	if size <= int64(len(file.buf)) {
		file.buf = file.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, file.buf)
	file.buf = grown
	return nil
}

// Sync is a no-op for in-memory files.
func (file *File) Sync() error {
	return nil
}
