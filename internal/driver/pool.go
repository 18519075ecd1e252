package driver

import "sync"

// BufferPool provides pooled byte slices to avoid hot-path allocations when
// the driver accumulates incoming wire-protocol bytes before they are framed
// into complete messages. Uses size-bucketed pools with power-of-2 sizes
// (8KB, 64KB, 256KB, 1MB) to balance memory efficiency with allocation
// reduction across the range from a typical row-description reply up to a
// large COPY OUT chunk.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size8k   = 8 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

// globalPool is the shared buffer pool for all driver connections.
// Uses pointer-to-slice pattern for efficient sync.Pool usage.
var globalPool = struct {
	pool8k   sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
	pool1m   sync.Pool
}{
	pool8k:   sync.Pool{New: func() any { b := make([]byte, size8k); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a pooled buffer of at least the requested size.
// Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size8k:
		return (*globalPool.pool8k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	// Restore full capacity before returning to pool
	buf = buf[:c]
	switch c {
	case size8k:
		globalPool.pool8k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	case size256k:
		globalPool.pool256k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
