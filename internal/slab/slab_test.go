package slab

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/Yalloc/yalloc/internal/region"
)

// newTestRegion builds a Slab-kind descriptor over cellCount cells of
// cellLen bytes, backed by a plain Go slice. The caller must keep buf
// reachable (runtime.KeepAlive) for as long as it uses the descriptor.
func newTestRegion(cellLen uintptr, cellCount int) (*region.Descriptor, []byte) {
	buf := make([]byte, cellLen*uintptr(cellCount))
	base := uintptr(unsafe.Pointer(&buf[0]))
	return &region.Descriptor{
		Kind:     region.Slab,
		UserBase: base,
		UserLen:  cellLen * uintptr(cellCount),
		Clas:     0,
		Slab:     NewMeta(cellLen, cellCount),
	}, buf
}

func TestAllocDrawsDistinctCells(t *testing.T) {
	reg, buf := newTestRegion(32, 16)
	defer runtime.KeepAlive(buf)

	seen := map[uintptr]bool{}
	for i := 0; i < 16; i++ {
		off, ok := Alloc(reg, false)
		if !ok {
			t.Fatalf("Alloc() #%d failed before the region was full", i)
		}
		if seen[off] {
			t.Fatalf("Alloc() #%d returned a duplicate offset %#x", i, off)
		}
		seen[off] = true
	}
	if _, ok := Alloc(reg, false); ok {
		t.Fatal("Alloc() should fail once every cell is drawn")
	}
}

func TestFreeMakesCellAllocatableAgain(t *testing.T) {
	reg, buf := newTestRegion(32, 4)
	defer runtime.KeepAlive(buf)

	off, ok := Alloc(reg, false)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	doubleFree, becameNonFull, _ := Free(reg, off)
	if doubleFree {
		t.Fatal("first Free() should not report doubleFree")
	}
	if becameNonFull {
		t.Fatal("region with spare cells should not report a full-to-nonfull transition")
	}
	if IsAllocated(reg, off) {
		t.Fatal("cell should be marked free after Free()")
	}
	if _, ok := Alloc(reg, false); !ok {
		t.Fatal("freed cell should be allocatable again")
	}
}

func TestFreeOnFullRegionReportsBecameNonFull(t *testing.T) {
	reg, buf := newTestRegion(16, 2)
	defer runtime.KeepAlive(buf)

	off1, _ := Alloc(reg, false)
	_, ok := Alloc(reg, false)
	if !ok {
		t.Fatal("second Alloc() should succeed, filling the region")
	}
	_, becameNonFull, _ := Free(reg, off1)
	if !becameNonFull {
		t.Fatal("freeing a cell in a full region should report becameNonFull=true")
	}
}

func TestFreeReportsBecameEmpty(t *testing.T) {
	reg, buf := newTestRegion(16, 2)
	defer runtime.KeepAlive(buf)

	off1, _ := Alloc(reg, false)
	off2, _ := Alloc(reg, false)
	if _, _, becameEmpty := Free(reg, off1); becameEmpty {
		t.Fatal("region with a cell still allocated should not report becameEmpty")
	}
	if _, _, becameEmpty := Free(reg, off2); !becameEmpty {
		t.Fatal("freeing the last allocated cell should report becameEmpty=true")
	}
	if reg.Slab.FreeCount != reg.Slab.CellCount {
		t.Fatalf("FreeCount = %d after becameEmpty, want %d", reg.Slab.FreeCount, reg.Slab.CellCount)
	}
}

func TestFreeDoubleFreeDetected(t *testing.T) {
	reg, buf := newTestRegion(16, 4)
	defer runtime.KeepAlive(buf)

	off, _ := Alloc(reg, false)
	Free(reg, off)
	doubleFree, _, _ := Free(reg, off)
	if !doubleFree {
		t.Fatal("freeing an already-free cell should report doubleFree=true")
	}
}

func TestChk4FreeRejectsOutOfBounds(t *testing.T) {
	reg, buf := newTestRegion(16, 4)
	defer runtime.KeepAlive(buf)

	if _, invalid := Chk4Free(reg, reg.UserBase+1000000); !invalid {
		t.Fatal("pointer far outside the region should be invalid")
	}
	if _, invalid := Chk4Free(reg, reg.UserBase-16); !invalid {
		t.Fatal("pointer before the region should be invalid")
	}
}

func TestChk4FreeRejectsMisalignedPointer(t *testing.T) {
	reg, buf := newTestRegion(16, 4)
	defer runtime.KeepAlive(buf)

	if _, invalid := Chk4Free(reg, reg.UserBase+1); !invalid {
		t.Fatal("pointer not at a cell boundary should be invalid")
	}
}

func TestEverFreedTracksHistory(t *testing.T) {
	reg, buf := newTestRegion(16, 4)
	defer runtime.KeepAlive(buf)

	off, _ := Alloc(reg, false)
	if EverFreed(reg, off) {
		t.Fatal("a cell never freed should report EverFreed=false")
	}
	Free(reg, off)
	if !EverFreed(reg, off) {
		t.Fatal("a cell that has been freed should report EverFreed=true")
	}
}

func TestClearZeroesTheCell(t *testing.T) {
	reg, buf := newTestRegion(16, 4)
	defer runtime.KeepAlive(buf)

	off, ok := Alloc(reg, false)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(reg.UserBase+off)), 16)
	for i := range b {
		b[i] = 0xAA
	}
	Free(reg, off)
	off2, ok := Alloc(reg, true)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	b2 := unsafe.Slice((*byte)(unsafe.Pointer(reg.UserBase+off2)), 16)
	for i, v := range b2 {
		if v != 0 {
			t.Fatalf("byte %d = %#x after clear=true Alloc(), want 0", i, v)
		}
	}
}
