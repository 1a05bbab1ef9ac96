// Package bufpool recycles the fixed-size chunk buffers used by the
// per-channel send loops. Buffers are handed out as *[]byte so Put does not
// allocate.
package bufpool

import "sync"

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	size int
	pool sync.Pool
}

// New returns a pool of size-byte buffers. It panics if size is not positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of length Size. Its contents are undefined.
func (p *Pool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put recycles b. Buffers of the wrong capacity are dropped.
func (p *Pool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	p.pool.Put(b)
}

// Size is the length of buffers returned by Get.
func (p *Pool) Size() int {
	return p.size
}

var shared sync.Map // int -> *Pool

// ForSize returns the process-wide pool for size, creating it on first use.
// Concurrent transfers with the same chunk size share buffers.
func ForSize(size int) *Pool {
	if p, ok := shared.Load(size); ok {
		return p.(*Pool)
	}
	p, _ := shared.LoadOrStore(size, New(size))
	return p.(*Pool)
}
