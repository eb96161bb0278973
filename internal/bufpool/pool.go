// Package bufpool bounds the worker pool's memory footprint to roughly
// W x chunk_size by reusing part-sized buffers instead of allocating one
// per multipart part.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// BufferPool pools byte slices of a single fixed size.
type BufferPool struct {
	pool           sync.Pool
	bufferSize     int
	allocatedCount int64
	reuseCount     int64
}

// NewBufferPool creates a pool that hands out buffers of exactly bufferSize.
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{bufferSize: bufferSize}
	bp.pool.New = func() interface{} {
		atomic.AddInt64(&bp.allocatedCount, 1)
		return make([]byte, bufferSize)
	}
	return bp
}

// Get returns a buffer of the pool's configured size.
func (bp *BufferPool) Get() []byte {
	atomic.AddInt64(&bp.reuseCount, 1)
	buf := bp.pool.Get().([]byte)
	return buf[:bp.bufferSize]
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped
// rather than pooled, since a mis-sized buffer indicates a caller bug.
func (bp *BufferPool) Put(buffer []byte) {
	if cap(buffer) != bp.bufferSize {
		return
	}
	bp.pool.Put(buffer)
}

// Stats reports pool usage for the metrics endpoint.
type Stats struct {
	BufferSize     int   `json:"buffer_size"`
	AllocatedCount int64 `json:"allocated_count"`
	ReuseCount     int64 `json:"reuse_count"`
}

func (bp *BufferPool) Stats() Stats {
	return Stats{
		BufferSize:     bp.bufferSize,
		AllocatedCount: atomic.LoadInt64(&bp.allocatedCount),
		ReuseCount:     atomic.LoadInt64(&bp.reuseCount),
	}
}

// SizedPools keys a family of BufferPools by size, for callers that need
// buffers of more than one fixed size.
type SizedPools struct {
	mu    sync.RWMutex
	pools map[int]*BufferPool
}

func NewSizedPools() *SizedPools {
	return &SizedPools{pools: make(map[int]*BufferPool)}
}

// Get returns a buffer from the pool for the given size, creating that
// size's pool on first use.
func (sp *SizedPools) Get(size int) ([]byte, func()) {
	sp.mu.RLock()
	pool, ok := sp.pools[size]
	sp.mu.RUnlock()

	if !ok {
		sp.mu.Lock()
		if pool, ok = sp.pools[size]; !ok {
			pool = NewBufferPool(size)
			sp.pools[size] = pool
		}
		sp.mu.Unlock()
	}

	buf := pool.Get()
	return buf, func() { pool.Put(buf) }
}
