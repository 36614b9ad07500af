package heap

import (
	"strings"
	"testing"

	"github.com/Yalloc/yalloc/internal/climits"
)

func TestPoolMallocFreeRoundTrip(t *testing.T) {
	p := NewPool(4)
	ptrs := make([]uintptr, 100)
	for i := range ptrs {
		q := p.Malloc(56, false)
		if q == 0 {
			t.Fatalf("Malloc #%d failed", i)
		}
		ptrs[i] = q
	}
	for _, q := range ptrs {
		p.Free(q)
	}
}

func TestPoolDefaultsToEightShards(t *testing.T) {
	p := NewPool(0)
	if len(p.shards) != 8 {
		t.Fatalf("NewPool(0) has %d shards, want 8", len(p.shards))
	}
	p = NewPool(-3)
	if len(p.shards) != 8 {
		t.Fatalf("NewPool(-3) has %d shards, want 8", len(p.shards))
	}
}

// TestPoolFreeFindsOwningShardRegardlessOfWhichShardAllocated exercises
// shardFor's scan: an allocation drawn from one shard via round-robin must
// still be freeable once the pool's internal next counter has moved on to
// other shards in between.
func TestPoolFreeFindsOwningShardRegardlessOfWhichShardAllocated(t *testing.T) {
	p := NewPool(4)
	const n = 64
	ptrs := make([]uintptr, n)
	for i := range ptrs {
		ptrs[i] = p.Malloc(32, false)
		if ptrs[i] == 0 {
			t.Fatalf("Malloc #%d failed", i)
		}
	}
	// Free in reverse order of allocation; Free locates each owner through
	// shardFor, not through the round-robin counter.
	for i := n - 1; i >= 0; i-- {
		p.Free(ptrs[i])
	}
}

func TestPoolFreeZeroIsNoOp(t *testing.T) {
	p := NewPool(2)
	p.Free(0) // must not panic or deadlock
}

func TestPoolFreeZeroBlockIsNoOp(t *testing.T) {
	p := NewPool(2)
	z := p.Malloc(0, false)
	p.Free(z) // the shared zero block must not be mistaken for real storage
}

func TestPoolFreeUnownedPointerFallsBackWithoutDeadlock(t *testing.T) {
	p := NewPool(3)
	p.Free(0xDEADBEEF) // never allocated by any shard; must not hang
	// The pool must still serve allocations afterward.
	q := p.Malloc(16, false)
	if q == 0 {
		t.Fatal("Malloc after an unowned Free failed")
	}
	p.Free(q)
}

func TestPoolReallocGrowsAndPreservesData(t *testing.T) {
	p := NewPool(4)
	const oldLen = 48
	q := p.Malloc(oldLen, false)
	if q == 0 {
		t.Fatal("Malloc failed")
	}
	b := bytesAt(q, oldLen)
	for i := range b {
		b[i] = byte(i)
	}
	r := p.Realloc(q, oldLen*8)
	if r == 0 {
		t.Fatal("Realloc failed")
	}
	nb := bytesAt(r, oldLen)
	for i, v := range nb {
		if v != byte(i) {
			t.Fatalf("byte %d = %#x after realloc, want %#x", i, v, byte(i))
		}
	}
	p.Free(r)
}

func TestPoolReallocNilBehavesAsMalloc(t *testing.T) {
	p := NewPool(2)
	q := p.Realloc(0, 40)
	if q == 0 {
		t.Fatal("Realloc(0, 40) should behave as Malloc")
	}
	p.Free(q)
}

func TestPoolCallocZeroesMemory(t *testing.T) {
	p := NewPool(2)
	q := p.Calloc(8, 16)
	if q == 0 {
		t.Fatal("Calloc failed")
	}
	for i, v := range bytesAt(q, 128) {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, v)
		}
	}
	p.Free(q)
}

func TestPoolAlignedAllocAndPosixMemalign(t *testing.T) {
	p := NewPool(2)
	a := p.AlignedAlloc(128, 50)
	if a == 0 || a%128 != 0 {
		t.Fatalf("AlignedAlloc(128, 50) = %#x, not aligned", a)
	}
	p.Free(a)

	m, ok := p.PosixMemalign(64, 50)
	if !ok || m == 0 || m%64 != 0 {
		t.Fatalf("PosixMemalign(64, 50) = (%#x, %v)", m, ok)
	}
	p.Free(m)
}

func TestPoolFreeSizedDiagnosesButStillFrees(t *testing.T) {
	buf := captureDiag(t)
	p := NewPool(2)
	q := p.Malloc(24, false)
	if q == 0 {
		t.Fatal("Malloc failed")
	}
	p.FreeSized(q, 999)
	if !strings.Contains(buf.String(), "size mismatch") {
		t.Fatalf("FreeSized with an over-claimed size should diagnose; got %q", buf.String())
	}
	// The pointer must still have been freed and the pool still usable.
	r := p.Malloc(24, false)
	if r == 0 {
		t.Fatal("Malloc after FreeSized failed")
	}
	p.Free(r)
}

func TestPoolSpeculativelyDeletesEmptyHeap(t *testing.T) {
	p := NewPool(1)
	q := p.Malloc(32, false)
	if q == 0 {
		t.Fatal("Malloc failed")
	}
	if p.shards[0].h == nil {
		t.Fatal("shard heap should exist while an allocation is outstanding")
	}
	p.Free(q)
	if p.shards[0].h != nil {
		t.Fatal("shard heap should be speculatively deleted once fully empty")
	}
	if p.shards[0].delCount != 1 {
		t.Fatalf("delCount = %d after one deletion, want 1", p.shards[0].delCount)
	}
	r := p.Malloc(32, false)
	if r == 0 {
		t.Fatal("Malloc after speculative deletion failed")
	}
	if p.shards[0].h == nil || p.shards[0].h.delCount != 1 {
		t.Fatal("recreated heap should carry the deletion count forward")
	}
	p.Free(r)
}

func TestPoolRetainsHeapPastDeletionThreshold(t *testing.T) {
	p := NewPool(1)
	cycles := climits.HeapDelThreshold + 2
	for i := 0; i < cycles; i++ {
		q := p.Malloc(32, false)
		if q == 0 {
			t.Fatalf("Malloc failed on cycle %d", i)
		}
		p.Free(q)
	}
	if p.shards[0].h == nil {
		t.Fatal("an oscillating heap should be retained once delCount crosses the threshold")
	}
}
