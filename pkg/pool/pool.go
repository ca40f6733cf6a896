// Package pool provides reusable I/O buffers for the copy and archive workers.
//
// Buffers are cached in a sync.Pool, so idle ones are dropped by the garbage
// collector. A pool hands out buffers of a single size.
package pool

import "sync"

// Buffers is a pool of byte slices of one fixed size. It is safe for concurrent use.
type Buffers struct {
	size int
	pool sync.Pool
}

// NewBuffers returns a pool of buffers of sizeKB kilobytes.
func NewBuffers(sizeKB int) *Buffers {
	size := sizeKB * 1024
	b := &Buffers{size: size}
	b.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return b
}

// Size is the length in bytes of every buffer handed out by Get.
func (b *Buffers) Size() int {
	return b.size
}

// Get returns a buffer of Size bytes.
func (b *Buffers) Get() *[]byte {
	return b.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of another capacity are dropped.
func (b *Buffers) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != b.size {
		return
	}
	*buf = (*buf)[:b.size]
	b.pool.Put(buf)
}
