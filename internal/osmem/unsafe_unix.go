//go:build linux || darwin

package osmem

import "unsafe"

// unsafePointer returns the address of the first byte of a mmap-returned
// slice. The slice itself is never touched again through Go's slice
// header; the allocator addresses the mapping purely via uintptr from
// here on.
func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// bytesAt reconstructs the []byte view mmap/munmap/madvise need from a raw
// address and length recorded in a region descriptor.
func bytesAt(p, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
}
