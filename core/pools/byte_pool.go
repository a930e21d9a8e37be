// Package pools provides the buffer pooling used by the broker's connection
// I/O paths.
package pools

import "sync"

// BytePool is a multi-tiered byte slice pool for different size classes.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// Size tiers for connection read and flush buffers. Control-channel traffic
// is dominated by small messages; the top tier covers a full message burst.
var defaultSizes = []int{
	512,
	2048,
	16384,
}

// NewBytePool creates a byte pool with the standard size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of at least the requested size.
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}

	// Size too large for any tier, allocate directly.
	return make([]byte, size)
}

// Put returns a byte slice to its tier. Slices not sized to a tier are left
// to the garbage collector.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}
