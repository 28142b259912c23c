package allocator

import (
	"math/rand"
	"sync"
	"testing"
)

// TestPolicyEquivalenceOnEmptyArena checks L4: every policy produces the
// same result for a single allocation into a freshly initialized arena.
func TestPolicyEquivalenceOnEmptyArena(t *testing.T) {
	policies := []Policy{FirstFit, NextFit, BestFit, WorstFit}

	var want []BlockInfo

	for _, p := range policies {
		a := newTestArena(t, 4096, p)

		data, ok := a.Allocate(256)
		if !ok {
			t.Fatalf("%s: allocation failed", p)
		}

		if len(data) != 256 {
			t.Fatalf("%s: expected 256 bytes, got %d", p, len(data))
		}

		got := a.Walk()
		if want == nil {
			want = got
			continue
		}

		if len(got) != len(want) {
			t.Fatalf("%s: expected %d blocks, got %d", p, len(want), len(got))
		}

		for i := range got {
			if got[i].Size != want[i].Size || got[i].Free != want[i].Free {
				t.Fatalf("%s: block %d = %+v, want %+v", p, i, got[i], want[i])
			}
		}
	}
}

// TestFirstFitScenario reproduces S1/S2: a single allocation and its
// release, checked against the arena's own header size (10000-byte
// arena, so these are exactly the spec's worked numbers).
func TestFirstFitScenario(t *testing.T) {
	a := newTestArena(t, 10000, FirstFit)

	data, ok := a.Allocate(100)
	if !ok {
		t.Fatal("allocation failed")
	}

	blocks := a.Walk()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks after one allocation, got %d", len(blocks))
	}

	if blocks[0].Free || blocks[0].Size != 100 {
		t.Fatalf("expected allocated block of size 100, got %+v", blocks[0])
	}

	wantFree := uintptr(10000) - HeaderSize - 100 - HeaderSize
	if !blocks[1].Free || blocks[1].Size != wantFree {
		t.Fatalf("expected free block of size %d, got %+v", wantFree, blocks[1])
	}

	a.Deallocate(data)

	blocks = a.Walk()
	if len(blocks) != 1 {
		t.Fatalf("expected a single block after release, got %d", len(blocks))
	}

	wantWhole := uintptr(10000) - HeaderSize
	if !blocks[0].Free || blocks[0].Size != wantWhole {
		t.Fatalf("expected single free block of size %d, got %+v", wantWhole, blocks[0])
	}
}

// TestNextFitWrapsToEarlierHole reproduces S3: once the cursor runs off
// the end of the chain, the next search wraps to the head and picks up
// the earliest free hole rather than the most recent one. The arena is
// sized so the tenth allocation exactly exhausts its block (leaving no
// split, and so no successor for the cursor to land on), matching the
// scenario's intent under this implementation's real header size.
func TestNextFitWrapsToEarlierHole(t *testing.T) {
	a, err := New(make([]byte, 1000), NextFit, WithMinArena(0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var slots [10][]byte

	for i := range slots {
		data, ok := a.Allocate(64)
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}

		slots[i] = data
	}

	for _, idx := range []int{0, 2, 4, 6, 8} {
		a.Deallocate(slots[idx])
	}

	reused, ok := a.Allocate(64)
	if !ok {
		t.Fatal("final allocation failed")
	}

	if &reused[0] != &slots[0][0] {
		t.Fatal("expected the wrapped next-fit search to reuse index 0's slot")
	}

	if err := a.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

// TestBestFitScenario reproduces S4: best-fit places a request in the
// smallest sufficient hole rather than the larger tail.
func TestBestFitScenario(t *testing.T) {
	a := newTestArena(t, 10000, BestFit)

	first, ok := a.Allocate(200)
	if !ok {
		t.Fatal("first allocation failed")
	}

	mid, ok := a.Allocate(50)
	if !ok {
		t.Fatal("middle allocation failed")
	}

	_, ok = a.Allocate(200)
	if !ok {
		t.Fatal("third allocation failed")
	}

	a.Deallocate(mid)

	placed, ok := a.Allocate(40)
	if !ok {
		t.Fatal("fourth allocation failed")
	}

	if &placed[0] != &mid[0] {
		t.Fatal("expected best-fit to reuse the 50-byte hole, not the tail")
	}

	_ = first
}

// TestWorstFitScenario reproduces S5: worst-fit places a request in the
// largest available hole rather than a smaller, tighter one.
func TestWorstFitScenario(t *testing.T) {
	a := newTestArena(t, 10000, WorstFit)

	first, ok := a.Allocate(100)
	if !ok {
		t.Fatal("first allocation failed")
	}

	_, ok = a.Allocate(100)
	if !ok {
		t.Fatal("second allocation failed")
	}

	a.Deallocate(first)

	placed, ok := a.Allocate(50)
	if !ok {
		t.Fatal("third allocation failed")
	}

	if &placed[0] == &first[0] {
		t.Fatal("expected worst-fit to prefer the large tail remainder over the freed 100-byte hole")
	}
}

// TestConcurrentAllocateDeallocate is the scaled-down concurrency
// property from S6: many goroutines racing allocate/deallocate pairs
// through a single mutex, followed by validate() once they quiesce.
func TestConcurrentAllocateDeallocate(t *testing.T) {
	a := newTestArena(t, 256*1024, BestFit)

	const goroutines = 32
	const opsPerGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(seed int64) {
			defer wg.Done()

			rnd := rand.New(rand.NewSource(seed))
			var held [][]byte

			for i := 0; i < opsPerGoroutine; i++ {
				if len(held) == 0 || rnd.Intn(2) == 0 {
					n := 16 + rnd.Intn(256)
					if data, ok := a.Allocate(n); ok {
						held = append(held, data)
					}

					continue
				}

				idx := rnd.Intn(len(held))
				a.Deallocate(held[idx])
				held = append(held[:idx], held[idx+1:]...)
			}

			for _, data := range held {
				a.Deallocate(data)
			}
		}(int64(g))
	}

	wg.Wait()

	if err := a.Validate(); err != nil {
		t.Fatalf("validate failed after concurrent workload: %v", err)
	}

	blocks := a.Walk()
	if len(blocks) != 1 || !blocks[0].Free {
		t.Fatalf("expected the arena to reduce to a single free block, got %d blocks", len(blocks))
	}
}
