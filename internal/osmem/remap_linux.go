//go:build linux

package osmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func platformRemap(p, oldLen, newLen uintptr) (uintptr, bool, error) {
	old := bytesAt(p, oldLen)
	nb, err := unix.Mremap(old, int(newLen), unix.MREMAP_MAYMOVE)
	if err != nil {
		return 0, false, fmt.Errorf("osmem: mremap %#x %d->%d: %w", p, oldLen, newLen, err)
	}
	np := uintptr(unsafePointer(nb))
	return np, np != p, nil
}
