//go:build !linux && !darwin

// This build serves platforms without a direct golang.org/x/sys/unix mmap
// path (e.g. windows CI runners); it keeps the package importable there
// without pretending to be a real page allocator, delegating to the Go
// runtime's own heap as a best-effort substitute so the higher layers still
// exercise the same code paths in tests that do not depend on real OS
// mapping counts.
package osmem

import (
	"fmt"
	"unsafe"
)

// pinned keeps every simulated mapping reachable so the Go collector does
// not reclaim memory the allocator is still addressing through uintptrs.
var pinned [][]byte

func Map(n uintptr) (uintptr, error) {
	if n == 0 {
		return 0, fmt.Errorf("osmem: zero-length map")
	}
	b := make([]byte, n)
	pinned = append(pinned, b)
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func MapAligned(n, align uintptr) (p, raw, rawLen uintptr, err error) {
	rawLen = n + align
	b := make([]byte, rawLen)
	pinned = append(pinned, b)
	raw = uintptr(unsafe.Pointer(&b[0]))
	p = (raw + align - 1) &^ (align - 1)
	return p, raw, rawLen, nil
}

func Unmap(p, n uintptr) error {
	return nil
}

func Remap(p, oldLen, newLen uintptr) (uintptr, bool, error) {
	old := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(oldLen))
	np, err := Map(newLen)
	if err != nil {
		return 0, false, err
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(np)), int(newLen))
	n := oldLen
	if newLen < n {
		n = newLen
	}
	copy(dst[:n], old[:n])
	return np, true, nil
}

func Advise(p, n uintptr, willNeed bool) error {
	return nil
}
