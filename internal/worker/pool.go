// internal/worker/pool.go
package worker

import "sync"

// Pool bounds how many jobs one worker runs at a time
type Pool struct {
	size     int
	free     int
	mu       sync.Mutex
	onChange func(busy int)
}

// NewPool creates a pool with size slots
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, free: size}
}

// OnChange registers a callback invoked with the number of busy slots
// after every acquire and release.
func (p *Pool) OnChange(fn func(busy int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Acquire claims a slot without blocking. Returns false if all are busy.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	if p.free == 0 {
		p.mu.Unlock()
		return false
	}
	p.free--
	fn, busy := p.onChange, p.size-p.free
	p.mu.Unlock()

	// callback runs unlocked so it may call back into the pool
	if fn != nil {
		fn(busy)
	}
	return true
}

// Release frees a slot
func (p *Pool) Release() {
	p.mu.Lock()
	if p.free < p.size {
		p.free++
	}
	fn, busy := p.onChange, p.size-p.free
	p.mu.Unlock()

	if fn != nil {
		fn(busy)
	}
}

// Busy returns the number of claimed slots
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.free
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return p.size
}
