package endpoint

import "sync"

// BufferPool is a fixed-size set of pre-allocated, equally sized
// buffers. Unlike a sync.Pool,
// capacity is fixed at creation: exhaustion is a signal (NO_BUFFER_SPACE
// or RNR), not something to paper over with more allocation.
type BufferPool struct {
	mu    sync.Mutex
	bufs  [][]byte
	free  []int // indices into bufs currently available
	inUse int
}

// NewBufferPool allocates count buffers of bufSize bytes each.
func NewBufferPool(count int, bufSize int) *BufferPool {
	p := &BufferPool{
		bufs: make([][]byte, count),
		free: make([]int, count),
	}
	for i := 0; i < count; i++ {
		p.bufs[i] = make([]byte, bufSize)
		p.free[i] = count - 1 - i // pop from the tail; order doesn't matter
	}
	return p
}

// Get returns a buffer and its pool index, or ok=false if the pool is
// exhausted. The caller must Put(index) back when done.
func (p *BufferPool) Get() (buf []byte, index int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, -1, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	return p.bufs[idx], idx, true
}

// Put returns buffer index to the pool.
func (p *BufferPool) Put(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, index)
	p.inUse--
}

// Free reports the number of buffers currently available, for
// ENDPT_TX_POOL_FREE / ENDPT_RX_POOL_FREE get_opt queries.
func (p *BufferPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity reports the pool's fixed buffer count.
func (p *BufferPool) Capacity() int {
	return len(p.bufs)
}
