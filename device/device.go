// Package device abstracts the raw block device the engine reads and writes
// through; the engine never assumes more than byte-range I/O at multiples
// of the block size (spec.md §6).
package device

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/tsdb/fileutil"
)

// ErrClosed is returned by operations on a device that has been closed.
var ErrClosed = errors.New("device: closed")

// Device is the minimal raw I/O contract the buffer cache's io_ops call
// through on a cache miss or flush. All offsets are multiples of BlockSize.
type Device interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	BlockSize() int
	Close() error
}

// File backs a Device with a plain *os.File, flocked for the duration of
// the mount so the same volume cannot be opened twice from one host
// (mirrors core/rawdb/prunedfreezer.go's instanceLock via fileutil.Flock).
type File struct {
	f         *os.File
	lock      fileutil.Releaser
	blockSize int
	closed    bool
}

// Open opens path for read/write, taking an exclusive flock alongside it.
// blockBits is the device's block size as a power of two.
func Open(path string, blockBits uint) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	lock, _, err := fileutil.Flock(path + ".lock")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: flock %s: %w", path, err)
	}
	return &File{f: f, lock: lock, blockSize: 1 << blockBits}, nil
}

// ReadAt reads len(p) bytes starting at off, requiring a full read.
func (d *File) ReadAt(p []byte, off int64) error {
	if d.closed {
		return ErrClosed
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil && n < len(p) {
		return fmt.Errorf("device: read at %d: %w", off, err)
	}
	return nil
}

// WriteAt writes p at off, requiring a full write.
func (d *File) WriteAt(p []byte, off int64) error {
	if d.closed {
		return ErrClosed
	}
	if _, err := d.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("device: write at %d: %w", off, err)
	}
	return nil
}

// BlockSize returns the device's fixed block size in bytes.
func (d *File) BlockSize() int {
	return d.blockSize
}

// Close releases the flock and closes the backing file.
func (d *File) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	lockErr := d.lock.Release()
	fileErr := d.f.Close()
	if fileErr != nil {
		return fmt.Errorf("device: close: %w", fileErr)
	}
	return lockErr
}

// Truncate grows or shrinks the backing file to size bytes, used by tests
// and by mkfs-style bootstrap to pre-size a fresh volume.
func (d *File) Truncate(size int64) error {
	return d.f.Truncate(size)
}
