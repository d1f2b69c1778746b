package pool

import (
	"math/bits"
	"sync"
)

// SizedPool hands out buffers sized to a whole file. Capacities are powers of
// two between the smallest and largest class; larger requests are allocated
// fresh and never kept.
type SizedPool struct {
	minShift uint
	classes  []sync.Pool
}

// NewSizedPool creates a pool whose classes span minSize to maxSize, both
// rounded up to a power of two.
func NewSizedPool(minSize, maxSize int) *SizedPool {
	lo := classShift(max(minSize, 1))
	hi := max(classShift(maxSize), lo)
	p := &SizedPool{minShift: lo, classes: make([]sync.Pool, hi-lo+1)}
	for i := range p.classes {
		size := 1 << (lo + uint(i))
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// classShift returns the exponent of the smallest power of two >= n.
func classShift(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

func (p *SizedPool) class(size int) (int, bool) {
	i := int(classShift(size)) - int(p.minShift)
	if i < 0 {
		i = 0
	}
	return i, i < len(p.classes)
}

// Get returns a buffer of length size.
func (p *SizedPool) Get(size int64) *[]byte {
	if size <= 0 {
		b := []byte{}
		return &b
	}
	i, ok := p.class(int(size))
	if !ok {
		b := make([]byte, size)
		return &b
	}
	b := p.classes[i].Get().(*[]byte)
	*b = (*b)[:size]
	return b
}

// Put returns a buffer obtained from Get. Buffers whose capacity is not one
// of the classes are dropped.
func (p *SizedPool) Put(b *[]byte) {
	if b == nil {
		return
	}
	c := cap(*b)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	i, ok := p.class(c)
	if !ok || c != 1<<(p.minShift+uint(i)) {
		return
	}
	*b = (*b)[:c]
	p.classes[i].Put(b)
}

// ChunkPool hands out equally sized chunks for streamed copies.
type ChunkPool struct {
	size int
	pool sync.Pool
}

// NewChunkPool creates a pool of size-byte chunks.
func NewChunkPool(size int) *ChunkPool {
	p := &ChunkPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a full-length chunk.
func (p *ChunkPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a chunk; foreign sizes are dropped.
func (p *ChunkPool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}
