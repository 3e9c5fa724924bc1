package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PoolStats tracks statistics for one size class of a buffer pool
type PoolStats struct {
	Gets     int64 `json:"gets"`
	Puts     int64 `json:"puts"`
	Misses   int64 `json:"misses"`
	InUse    int64 `json:"inUse"`
	MaxInUse int64 `json:"maxInUse"`
}

// BufferPool recycles tensor storage in power-of-two size classes. Buffers
// handed out are always zeroed.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// NewBufferPool creates an empty pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size elements
func (bp *BufferPool) Get(size int) []float64 {
	if size <= 0 {
		return nil
	}
	class := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[class] = pool
		bp.stats[class] = &PoolStats{}
	}
	stats := bp.stats[class]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	if p, ok := pool.Get().(*[]float64); ok {
		return (*p)[:size]
	}
	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float64, size, class)
}

// Put returns a buffer obtained from Get. Buffers of a foreign capacity
// are dropped.
func (bp *BufferPool) Put(buf []float64) {
	if cap(buf) == 0 {
		return
	}
	class := cap(buf)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[class]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	buf = buf[:class]
	clear(buf)
	pool.Put(&buf)
}

// Stats returns a copy of the per-class counters
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make(map[int]PoolStats, len(bp.stats))
	for size, s := range bp.stats {
		out[size] = *s
	}
	return out
}

// Totals sums the counters of every size class
func (bp *BufferPool) Totals() PoolStats {
	var t PoolStats
	for _, s := range bp.Stats() {
		t.Gets += s.Gets
		t.Puts += s.Puts
		t.Misses += s.Misses
		t.InUse += s.InUse
		t.MaxInUse += s.MaxInUse
	}
	return t
}

// HitRate returns the share of gets served from recycled storage
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.Misses) / float64(s.Gets)
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var b strings.Builder
	b.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		s := stats[size]
		fmt.Fprintf(&b, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, s.Gets, s.Puts, s.InUse, s.MaxInUse, s.HitRate()*100)
	}
	return b.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
