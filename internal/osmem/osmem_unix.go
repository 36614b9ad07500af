//go:build linux || darwin

// Package osmem is the allocator's one collaborator with the platform: the
// page-level map/unmap/remap primitives. Every region's user and metadata
// segment passes through here, so the process-wide mapping count in the
// heap package is only meaningful because this file does real anonymous
// mmap, not a Go-heap simulation of one.
package osmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map reserves n bytes (rounded by the caller up to a page multiple) of
// fresh, zero-filled, anonymous, private read/write memory.
func Map(n uintptr) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("osmem: mmap %d bytes: %w", n, err)
	}
	return uintptr(unsafePointer(b)), nil
}

// MapAligned returns an align-aligned span of n bytes inside a fresh
// mapping. raw and rawLen describe the whole mapping and are what Unmap
// must eventually be called with; when the kernel already hands back an
// aligned address they equal (p, n), otherwise the mapping is re-done with
// align bytes of slack and the aligned span sits somewhere inside it.
// x/sys/unix tracks mappings by their full slice, so the slack is carried
// rather than trimmed with partial munmaps.
func MapAligned(n, align uintptr) (p, raw, rawLen uintptr, err error) {
	p, err = Map(n)
	if err != nil {
		return 0, 0, 0, err
	}
	if p&(align-1) == 0 {
		return p, p, n, nil
	}
	if err := Unmap(p, n); err != nil {
		return 0, 0, 0, err
	}
	rawLen = n + align
	raw, err = Map(rawLen)
	if err != nil {
		return 0, 0, 0, err
	}
	p = (raw + align - 1) &^ (align - 1)
	return p, raw, rawLen, nil
}

// Unmap releases a prior mapping of exactly n bytes starting at p.
func Unmap(p, n uintptr) error {
	b := bytesAt(p, n)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("osmem: munmap %#x/%d: %w", p, n, err)
	}
	return nil
}

// Remap attempts to grow or shrink a mapping in place, falling back to a
// moving remap. On Linux this is mremap(MREMAP_MAYMOVE); on Darwin (which
// lacks mremap) it degrades to map+copy+unmap, reported via moved=true.
func Remap(p, oldLen, newLen uintptr) (np uintptr, moved bool, err error) {
	return platformRemap(p, oldLen, newLen)
}

// Advise hints the kernel about access patterns on an existing mapping,
// best-effort: MADV_WILLNEED when willNeed is set, MADV_DONTNEED otherwise.
func Advise(p, n uintptr, willNeed bool) error {
	b := bytesAt(p, n)
	adv := unix.MADV_DONTNEED
	if willNeed {
		adv = unix.MADV_WILLNEED
	}
	return unix.Madvise(b, adv)
}
