// Package mempool recycles fixed-size datagram buffers.
package mempool

import "sync"

// DatagramSize fits the largest UDP payload.
const DatagramSize = 64 * 1024

// DatagramPool is shared by every UDP read loop.
var DatagramPool = NewFixedSizePool(DatagramSize)

// FixedSizePool hands out byte slices of one length.
type FixedSizePool struct {
	pool sync.Pool
	Size int
}

// NewFixedSizePool creates a pool of size-byte buffers.
func NewFixedSizePool(size int) *FixedSizePool {
	return &FixedSizePool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
		Size: size,
	}
}

// Get returns a buffer of Size bytes.
func (fp *FixedSizePool) Get() []byte {
	return *fp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a foreign capacity are dropped.
func (fp *FixedSizePool) Put(b []byte) {
	if cap(b) != fp.Size {
		return
	}
	b = b[:fp.Size]
	fp.pool.Put(&b)
}
