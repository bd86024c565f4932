// Package pool provides zeroed, size-bucketed byte slices for emulated
// block memory.
//
// Buckets are powers of two from 4KB to 4MB. Larger blocks are allocated
// directly and never returned to a pool.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
package pool

import "sync"

const (
	minShift = 12 // 4KB
	maxShift = 22 // 4MB
	nBuckets = maxShift - minShift + 1
)

var buckets [nBuckets]sync.Pool

func init() {
	for i := range buckets {
		size := 1 << (minShift + i)
		buckets[i].New = func() any { b := make([]byte, size); return &b }
	}
}

// bucket returns the pool index for size, -1 if size is not pooled.
func bucket(size int) int {
	for i := 0; i < nBuckets; i++ {
		if size <= 1<<(minShift+i) {
			return i
		}
	}
	return -1
}

// Get returns a zeroed slice of length size. Callers must hand it back
// with Put once the memory is no longer referenced.
func Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	i := bucket(size)
	if i < 0 {
		return make([]byte, size)
	}
	b := (*buckets[i].Get().(*[]byte))[:size]
	clear(b)
	return b
}

// Put returns a slice obtained from Get to its pool.
// The slice's capacity determines which pool it goes to.
func Put(b []byte) {
	c := cap(b)
	b = b[:c]
	for i := 0; i < nBuckets; i++ {
		if c == 1<<(minShift+i) {
			buckets[i].Put(&b)
			return
		}
	}
	// Non-standard capacity, left to the GC
}
