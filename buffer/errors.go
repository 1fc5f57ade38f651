package buffer

import "errors"

// ErrNoBuffer is returned when the pool has no free buffer and nothing
// evictable (every buffer pinned); retriable once the backend flush drains
// some dirty buffers, fatal if it persists (spec.md §7).
var ErrNoBuffer = errors.New("buffer: no buffer available")

// ErrDeviceIO wraps an underlying device read/write failure.
var ErrDeviceIO = errors.New("buffer: device I/O error")
