package proxy

import (
	"sync"
)

// BufferPool recycles fixed-size byte slices for request reads and relay
// copies.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte slices.
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

// Get returns a slice of exactly the pool's size.
func (p *BufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.size]
}

// Put returns b to the pool. Slices smaller than the pool size are dropped.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
