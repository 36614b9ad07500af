package recycle

import "testing"

func TestBin(t *testing.T) {
	t.Run("InsertAndTakeMRU", func(t *testing.T) {
		var b Bin
		b.Insert(Entry{Ptr: 0x1000})
		e, ok := b.TakeMRU()
		if !ok || e.Ptr != 0x1000 {
			t.Fatalf("TakeMRU() = %+v, %v; want {0x1000,...}, true", e, ok)
		}
		if _, ok := b.TakeMRU(); ok {
			t.Fatal("TakeMRU() on empty bin should fail")
		}
	})

	t.Run("MRUOrdering", func(t *testing.T) {
		var b Bin
		b.Insert(Entry{Ptr: 1})
		b.Insert(Entry{Ptr: 2})
		b.Insert(Entry{Ptr: 3})
		e, _ := b.TakeMRU()
		if e.Ptr != 3 {
			t.Fatalf("TakeMRU() = %d, want 3 (last inserted)", e.Ptr)
		}
		e, _ = b.TakeMRU()
		if e.Ptr != 2 {
			t.Fatalf("TakeMRU() = %d, want 2", e.Ptr)
		}
	})

	t.Run("FindDetectsDuplicate", func(t *testing.T) {
		var b Bin
		b.Insert(Entry{Ptr: 42})
		if _, found := b.Find(42); !found {
			t.Fatal("Find(42) = false, want true")
		}
		if _, found := b.Find(99); found {
			t.Fatal("Find(99) = true, want false")
		}
	})

	t.Run("FullAfterCapacityInserts", func(t *testing.T) {
		var b Bin
		for i := 0; i < 8; i++ {
			if b.Full() {
				t.Fatalf("bin reports full after only %d inserts", i)
			}
			b.Insert(Entry{Ptr: uintptr(i + 1)})
		}
		if !b.Full() {
			t.Fatal("bin should be full after 8 inserts (climits.Bin=8)")
		}
	})

	t.Run("EvictLRUReturnsOldestAndFreesSlot", func(t *testing.T) {
		var b Bin
		for i := 1; i <= 8; i++ {
			b.Insert(Entry{Ptr: uintptr(i)})
		}
		e, ok := b.EvictLRU()
		if !ok || e.Ptr != 1 {
			t.Fatalf("EvictLRU() = %+v, %v; want {1,...}, true (least-recently-freed)", e, ok)
		}
		if b.Full() {
			t.Fatal("bin should not be full immediately after eviction")
		}
		b.Insert(Entry{Ptr: 9})
		if !b.Full() {
			t.Fatal("bin should be full again after inserting into the evicted slot")
		}
	})
}

func TestBinRegionHelpers(t *testing.T) {
	type fakeRegion struct{ id int }
	ra := &fakeRegion{1}
	rb := &fakeRegion{2}

	t.Run("CountRegion", func(t *testing.T) {
		var b Bin
		b.Insert(Entry{Ptr: 1, Region: ra})
		b.Insert(Entry{Ptr: 2, Region: rb})
		b.Insert(Entry{Ptr: 3, Region: ra})
		if got := b.CountRegion(ra); got != 2 {
			t.Fatalf("CountRegion(ra) = %d, want 2", got)
		}
		if got := b.CountRegion(rb); got != 1 {
			t.Fatalf("CountRegion(rb) = %d, want 1", got)
		}
	})

	t.Run("DrainRegionRemovesOnlyMatchesAndCompacts", func(t *testing.T) {
		var b Bin
		b.Insert(Entry{Ptr: 1, Region: ra})
		b.Insert(Entry{Ptr: 2, Region: rb})
		b.Insert(Entry{Ptr: 3, Region: ra})
		drained := b.DrainRegion(ra)
		if len(drained) != 2 {
			t.Fatalf("DrainRegion(ra) returned %d entries, want 2", len(drained))
		}
		if b.CountRegion(ra) != 0 {
			t.Fatal("entries for ra should be gone after DrainRegion")
		}
		if _, found := b.Find(2); !found {
			t.Fatal("rb's entry should survive the drain")
		}
		e, ok := b.TakeMRU()
		if !ok || e.Ptr != 2 {
			t.Fatalf("TakeMRU() after drain = %+v, %v; want the surviving {2,rb}", e, ok)
		}
		if _, ok := b.TakeMRU(); ok {
			t.Fatal("bin should be empty once the survivor is taken")
		}
	})

	t.Run("DrainRegionOnEmptyBin", func(t *testing.T) {
		var b Bin
		if drained := b.DrainRegion(ra); len(drained) != 0 {
			t.Fatalf("DrainRegion on an empty bin returned %d entries", len(drained))
		}
	})
}
