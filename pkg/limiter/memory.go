// Package limiter bounds the bytes held in memory by concurrent workers.
package limiter

import (
	"context"
	"sync"
)

// Memory is a shared byte budget. Workers reserve the size of a file before
// loading it and release it when done. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	available int64
	capacity  int64
	// freed is closed and replaced on every Release to wake waiters.
	freed chan struct{}
}

// NewMemory creates a new memory limiter with the specified total capacity in bytes.
func NewMemory(limit int64) *Memory {
	return &Memory{
		available: limit,
		capacity:  limit,
		freed:     make(chan struct{}),
	}
}

// TryAcquire attempts to reserve n bytes without waiting.
// It returns false if not enough budget is available right now, or if n is
// greater than the total capacity.
func (m *Memory) TryAcquire(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.capacity {
		return false
	}
	if m.available >= n {
		m.available -= n
		return true
	}
	return false
}

// Acquire reserves n bytes, waiting until they are available or ctx is done.
// A request above the capacity is clamped to it, so an oversized file runs
// alone instead of never. It returns the amount reserved, to be passed to
// Release. A nil Memory reserves nothing and never waits.
func (m *Memory) Acquire(ctx context.Context, n int64) (int64, error) {
	if m == nil {
		return 0, nil
	}
	n = min(max(n, 0), m.capacity)
	for {
		m.mu.Lock()
		if m.available >= n {
			m.available -= n
			m.mu.Unlock()
			return n, nil
		}
		freed := m.freed
		m.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Release returns n bytes to the budget and wakes waiting Acquire calls.
func (m *Memory) Release(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available += n
	// Guard against a double release by the caller.
	if m.available > m.capacity {
		m.available = m.capacity
	}
	close(m.freed)
	m.freed = make(chan struct{})
}

// Available returns the amount of memory currently available.
func (m *Memory) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Capacity returns the total capacity of the limiter.
func (m *Memory) Capacity() int64 {
	return m.capacity
}
