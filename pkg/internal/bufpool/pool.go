// Package bufpool provides sized byte-slice reuse for VST socket read
// buffers, adapted from alxayo-rtmp-go/internal/bufpool's
// RTMP chunk buffer pool to the chunk sizes this driver actually sees
// (VST chunk payloads default to 30000 bytes rather than RTMP's).
package bufpool

import "sync"

var sizeClasses = []int{256, 4096, 32768, 131072}

type classPool struct {
	size int
	pool *sync.Pool
}

// Pool hands out byte slices backed by reusable buffers to reduce GC churn
// during chunk reassembly.
type Pool struct {
	pools []classPool
}

var defaultPool = New()

// Get acquires a buffer from the package-level default pool.
func Get(size int) []byte { return defaultPool.Get(size) }

// Put releases a buffer back to the package-level default pool.
func Put(buf []byte) { defaultPool.Put(buf) }

// New creates a buffer pool with size classes tuned for VST chunk payloads.
func New() *Pool {
	pools := make([]classPool, len(sizeClasses))
	for i, classSize := range sizeClasses {
		size := classSize
		pools[i] = classPool{
			size: size,
			pool: &sync.Pool{
				New: func() any { return make([]byte, size) },
			},
		}
	}
	return &Pool{pools: pools}
}

// Get returns a byte slice of the requested length, backed by the nearest
// size class that can accommodate it. Requests larger than the largest size
// class allocate a fresh, unpooled slice.
func (p *Pool) Get(size int) []byte {
	if p == nil || size <= 0 {
		return nil
	}
	for i := range p.pools {
		class := &p.pools[i]
		if size <= class.size {
			buf := class.pool.Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the pool if its capacity matches a size class exactly.
// Buffers that don't match any class are discarded (left for the GC).
func (p *Pool) Put(buf []byte) {
	if p == nil || buf == nil {
		return
	}
	capBuf := cap(buf)
	for i := range p.pools {
		class := &p.pools[i]
		if capBuf == class.size {
			full := buf[:class.size]
			clear(full)
			class.pool.Put(full)
			return
		}
	}
}
