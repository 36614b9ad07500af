// Package yalloc is a drop-in replacement for the standard C heap
// interface: malloc, free, realloc, calloc and the aligned-allocation
// family, implemented as a sharded set of thread-affine heaps (see
// internal/heap) behind a small Go-idiomatic surface using unsafe.Pointer
// in place of C's void*.
//
// Every exported function here is total: it returns a sentinel (nil, or
// an ok=false) on any failure rather than panicking, and writes a
// diagnostic through
// internal/diag for conditions the caller should be able to observe
// (invalid free, double free, size mismatch, out of memory).
package yalloc

import (
	"io"
	"syscall"
	"unsafe"

	"github.com/Yalloc/yalloc/internal/diag"
	"github.com/Yalloc/yalloc/internal/heap"
)

// defaultPool backs the package-level C-style entry points. It is a small
// fixed shard set, each shard an independent *heap.Heap guarded by its own
// mutex (see heap.Pool); callers who want a literal single-thread-affine,
// lock-free heap should build one directly with heap.New and never share
// it across goroutines.
var defaultPool = heap.NewPool(0)

// SetOutput redirects the process-wide diagnostic sink (default stderr).
func SetOutput(w io.Writer) {
	diag.SetOutput(w)
}

func toPtr(p uintptr) unsafe.Pointer {
	if p == 0 {
		return nil
	}
	return unsafe.Pointer(p)
}

func fromPtr(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

// Malloc returns a pointer with alignment >= BaseAlign. n==0 returns a
// pointer to a shared zero block unique to the process; writing to that
// pointer is detected on Free.
func Malloc(n uintptr) unsafe.Pointer {
	return toPtr(defaultPool.Malloc(n, false))
}

// Calloc zero-fills count*size bytes, detecting multiplication overflow
// and returning nil in that case.
func Calloc(count, size uintptr) unsafe.Pointer {
	return toPtr(defaultPool.Calloc(count, size))
}

// Realloc grows or shrinks the allocation at p. p==nil behaves as Malloc;
// n==0 frees p and returns nil.
func Realloc(p unsafe.Pointer, n uintptr) unsafe.Pointer {
	return toPtr(defaultPool.Realloc(fromPtr(p), n))
}

// Free releases p. It tolerates nil, rejects writes to the shared zero
// block, and diagnoses (without freeing) any other invalid input.
func Free(p unsafe.Pointer) {
	defaultPool.Free(fromPtr(p))
}

// FreeSized is equivalent to Free, additionally diagnosing when n exceeds
// the region's recorded length. An n below the recorded length is not
// diagnosed.
func FreeSized(p unsafe.Pointer, n uintptr) {
	defaultPool.FreeSized(fromPtr(p), n)
}

// AlignedAlloc returns a pointer aligned to a, which must be a power of
// two; this is not enforced here.
func AlignedAlloc(a, n uintptr) unsafe.Pointer {
	return toPtr(defaultPool.AlignedAlloc(a, n))
}

// PosixMemalign writes the aligned pointer to *out and returns nil, or
// returns syscall.ENOMEM on failure, leaving *out untouched.
func PosixMemalign(out *unsafe.Pointer, a, n uintptr) error {
	p, ok := defaultPool.PosixMemalign(a, n)
	if !ok {
		return syscall.ENOMEM
	}
	*out = toPtr(p)
	return nil
}

// NewHeap returns a fresh, unshared *heap.Heap for a caller that wants
// literal single-thread-affine, lock-free behavior instead of the shared,
// mutex-guarded default pool. The caller must not share the returned heap
// across goroutines that might run concurrently.
func NewHeap(opts ...heap.Option) *heap.Heap {
	return heap.New(opts...)
}
