package buddy

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/region"
)

// newTestRegion builds a Buddy-kind descriptor backed by a plain Go slice
// standing in for the mapped user segment, small enough (order 10, 1KiB by
// default) to exercise several split/coalesce levels above MinOrder
// without mapping real OS pages. The caller must keep the returned buf
// slice reachable (e.g. via runtime.KeepAlive) for as long as it uses the
// descriptor, since the descriptor only stores the backing array's address
// as a bare uintptr.
func newTestRegion(order uint) (*region.Descriptor, []byte) {
	userLen := uintptr(1) << order
	buf := make([]byte, userLen)
	base := uintptr(unsafe.Pointer(&buf[0]))
	return &region.Descriptor{
		Kind:     region.Buddy,
		UserBase: base,
		UserLen:  userLen,
		Order:    order,
		Clas:     region.NoClass,
		Buddy:    NewMeta(order),
	}, buf
}

func TestNewMetaStartsFullyFree(t *testing.T) {
	const order = 10
	reg, buf := newTestRegion(order)
	defer runtime.KeepAlive(buf)
	if !isFullyFree(reg.Buddy, order) {
		t.Fatal("fresh region should be fully free")
	}
}

func TestAllocSplitsDownToRequestedOrder(t *testing.T) {
	reg, buf := newTestRegion(10) // 1024 bytes, MinOrder=3 (8 bytes)
	defer runtime.KeepAlive(buf)
	off, ok := Alloc(reg, 16, false)
	if !ok {
		t.Fatal("Alloc() failed on a fresh region")
	}
	if off != 0 {
		t.Fatalf("first allocation offset = %#x, want 0", off)
	}
	if isFullyFree(reg.Buddy, int(reg.Order)) {
		t.Fatal("region should no longer be fully free after an allocation")
	}
}

func TestAllocDistinctBlocksDoNotOverlap(t *testing.T) {
	reg, buf := newTestRegion(10)
	defer runtime.KeepAlive(buf)
	seen := map[uintptr]bool{}
	for i := 0; i < 8; i++ {
		off, ok := Alloc(reg, 64, false)
		if !ok {
			t.Fatalf("Alloc() #%d failed", i)
		}
		if seen[off] {
			t.Fatalf("Alloc() #%d returned duplicate offset %#x", i, off)
		}
		seen[off] = true
	}
}

func TestFreeThenReallocReturnsSameRegionCapacity(t *testing.T) {
	reg, buf := newTestRegion(10)
	defer runtime.KeepAlive(buf)
	off, ok := Alloc(reg, 256, false)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	alreadyFreed, invalid, full := Free(reg, off)
	if invalid || alreadyFreed {
		t.Fatalf("Free() = alreadyFreed=%v invalid=%v, want false,false", alreadyFreed, invalid)
	}
	if !full {
		t.Fatal("freeing the only allocation should report the region fully free")
	}
	// Coalescing must have restored the top order as a single free block.
	off2, ok := Alloc(reg, uintptr(1)<<reg.Order, false)
	if !ok {
		t.Fatal("Alloc() of the whole region should succeed after full coalesce")
	}
	if off2 != 0 {
		t.Fatalf("offset = %#x, want 0", off2)
	}
}

func TestFreeDoubleFreeDiagnosable(t *testing.T) {
	reg, buf := newTestRegion(10)
	defer runtime.KeepAlive(buf)
	off, ok := Alloc(reg, 32, false)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	if _, invalid, _ := Free(reg, off); invalid {
		t.Fatal("first Free() should succeed")
	}
	alreadyFreed, invalid, _ := Free(reg, off)
	if invalid {
		t.Fatal("second Free() of a previously-valid block should be alreadyFreed, not invalid")
	}
	if !alreadyFreed {
		t.Fatal("second Free() of the same block should report alreadyFreed=true")
	}
}

func TestFreeInvalidOffsetDiagnosable(t *testing.T) {
	reg, buf := newTestRegion(10)
	defer runtime.KeepAlive(buf)
	_, invalid, _ := Free(reg, 999999)
	if !invalid {
		t.Fatal("Free() of an offset never allocated should report invalid=true")
	}
}

func TestCanGrowInPlace(t *testing.T) {
	reg, buf := newTestRegion(10)
	defer runtime.KeepAlive(buf)
	off, ok := Alloc(reg, 64, false) // rounds up to order covering 64 bytes
	if !ok {
		t.Fatal("Alloc() failed")
	}
	if !CanGrowInPlace(reg, off, 64) {
		t.Fatal("growing to the same size should fit in the existing block order")
	}
	if CanGrowInPlace(reg, off, uintptr(1)<<(reg.Order+1)) {
		t.Fatal("growing beyond the region's own order should never fit in place")
	}
}

func TestAnchorRoundTrip(t *testing.T) {
	reg, buf := newTestRegion(10)
	defer runtime.KeepAlive(buf)
	off, ok := Alloc(reg, 128, false)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	alignedOff := off + 8
	AddAnchor(reg, alignedOff, off)
	resolved, anchored := ResolveAnchor(reg, alignedOff)
	if !anchored || resolved != off {
		t.Fatalf("ResolveAnchor() = %#x, %v; want %#x, true", resolved, anchored, off)
	}
	if _, anchored := ResolveAnchor(reg, alignedOff); anchored {
		t.Fatal("anchor should be consumed after the first ResolveAnchor")
	}
}

func TestAllocFailsWhenRegionExhausted(t *testing.T) {
	reg, buf := newTestRegion(climits.MinOrder) // smallest possible region: one block
	defer runtime.KeepAlive(buf)
	_, ok := Alloc(reg, uintptr(1)<<climits.MinOrder, false)
	if !ok {
		t.Fatal("first allocation of the whole tiny region should succeed")
	}
	if _, ok := Alloc(reg, 1, false); ok {
		t.Fatal("second allocation should fail: region fully allocated")
	}
}
