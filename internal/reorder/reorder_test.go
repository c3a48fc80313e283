package reorder

import "testing"

func collect(words *[]uint64) Release {
	return func(w uint64) { *words = append(*words, w) }
}

func TestInOrderPassesThrough(t *testing.T) {
	var out []uint64
	b := New(8, false, collect(&out))
	for i := uint64(0); i < 5; i++ {
		b.Submit(i*10, i, 0)
	}
	for i, w := range out {
		if w != uint64(i)*10 {
			t.Fatalf("out[%d] = %d, want %d", i, w, i*10)
		}
	}
	if b.PacketsReordered != 0 {
		t.Errorf("PacketsReordered = %d, want 0", b.PacketsReordered)
	}
}

func TestOutOfOrderReassembles(t *testing.T) {
	var out []uint64
	b := New(8, false, collect(&out))
	b.Submit(0, 0, 0)
	b.Submit(20, 2, 0)
	b.Submit(10, 1, 0)
	b.Submit(30, 3, 0)

	want := []uint64{0, 10, 20, 30}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out=%v, want=%v", out, want)
		}
	}
	if b.PacketsReordered == 0 {
		t.Errorf("expected PacketsReordered > 0")
	}
}

func TestTooOldDropped(t *testing.T) {
	var out []uint64
	b := New(2, false, collect(&out))
	for i := uint64(0); i < 5; i++ {
		b.Submit(i, i, 0)
	}
	b.Submit(999, 0, 0) // far behind nextExpected, beyond window
	if b.PacketsTooOld == 0 {
		t.Errorf("expected PacketsTooOld > 0")
	}
}

func TestOverflowReleasesImmediately(t *testing.T) {
	var out []uint64
	b := New(2, false, collect(&out))
	b.Submit(0, 0, 0) // establishes nextExpected=1
	b.Submit(100, 5, 0)
	b.Submit(101, 6, 0)
	b.Submit(102, 7, 0) // buffer already at capacity (2): overflow
	if b.PacketsOverflowed == 0 {
		t.Errorf("expected PacketsOverflowed > 0")
	}
	found := false
	for _, w := range out {
		if w == 102 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected overflowed word 102 to be released, got %v", out)
	}
}

func TestFlushDrainsInOrder(t *testing.T) {
	var out []uint64
	b := New(8, false, collect(&out))
	b.Submit(0, 0, 0)
	b.Submit(30, 3, 0)
	b.Submit(20, 2, 0)
	b.Flush()

	want := []uint64{0, 20, 30}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out=%v, want=%v", out, want)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Flush = %d, want 0", b.Len())
	}
}

func TestEarlyArrivalDoesNotSnapBaseline(t *testing.T) {
	// id 2 arrives before the true minimum id 0 ever has. It must not be
	// released early or treated as the new baseline; 0 and 1 still need to
	// surface ahead of it once they arrive.
	var out []uint64
	b := New(4, false, collect(&out))
	b.Submit(2, 2, 0)
	b.Submit(0, 0, 0)
	b.Submit(1, 1, 0)
	b.Submit(3, 3, 0)

	want := []uint64{0, 1, 2, 3}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out=%v, want=%v", out, want)
		}
	}
	if b.MaxReorderDistance != 2 {
		t.Errorf("MaxReorderDistance = %d, want 2", b.MaxReorderDistance)
	}
}

func TestChunkBoundaryResetsSequencing(t *testing.T) {
	var out []uint64
	b := New(8, true, collect(&out))
	b.Submit(0, 0, 1)
	b.Submit(20, 2, 1) // buffered, waiting for id=1 in chunk 1

	b.Submit(0, 0, 2) // new chunk: chunk 1's pending entry (20) flushes first

	want := []uint64{0, 20, 0}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out=%v, want=%v", out, want)
		}
	}
}

func TestBoundedMemory(t *testing.T) {
	var out []uint64
	maxSize := 4
	b := New(maxSize, false, collect(&out))
	b.Submit(0, 0, 0)
	for i := uint64(2); i < 20; i++ {
		b.Submit(i, i, 0)
		if b.Len() > maxSize {
			t.Fatalf("Len() = %d exceeded maxSize %d at id=%d", b.Len(), maxSize, i)
		}
	}
}
