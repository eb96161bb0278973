package bufpool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_GetPut(t *testing.T) {
	size := 1024
	pool := NewBufferPool(size)

	buffer1 := pool.Get()
	assert.NotNil(t, buffer1)
	assert.Equal(t, size, len(buffer1))

	buffer1[0] = 0xAB
	pool.Put(buffer1)

	buffer2 := pool.Get()
	assert.Equal(t, size, len(buffer2))
}

func TestBufferPool_PutWrongSize(t *testing.T) {
	size := 1024
	pool := NewBufferPool(size)

	wrongBuffer := make([]byte, size/2)

	assert.NotPanics(t, func() {
		pool.Put(wrongBuffer)
	})

	buffer := pool.Get()
	assert.Equal(t, size, len(buffer))
}

func TestBufferPool_Stats(t *testing.T) {
	pool := NewBufferPool(4096)

	buf := pool.Get()
	pool.Put(buf)

	stats := pool.Stats()
	assert.Equal(t, 4096, stats.BufferSize)
	assert.GreaterOrEqual(t, stats.ReuseCount, int64(1))
}

func TestBufferPool_ConcurrentAccess(t *testing.T) {
	pool := NewBufferPool(2048)
	numGoroutines := 100

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			buf := pool.Get()
			if len(buf) != 2048 {
				errs <- fmt.Errorf("goroutine %d: unexpected size %d", id, len(buf))
				return
			}
			buf[0] = byte(id)
			time.Sleep(time.Millisecond)
			pool.Put(buf)
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestSizedPools_GetCreatesPerSize(t *testing.T) {
	pools := NewSizedPools()

	buf1, release1 := pools.Get(1024)
	assert.Len(t, buf1, 1024)
	release1()

	buf2, release2 := pools.Get(4096)
	assert.Len(t, buf2, 4096)
	release2()

	assert.Len(t, pools.pools, 2)
}

func BenchmarkBufferPool_GetPut(b *testing.B) {
	pool := NewBufferPool(4096)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buffer := pool.Get()
			pool.Put(buffer)
		}
	})
}
