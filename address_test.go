package rtld

import "testing"

func TestSegmentContainsAndRuntime(t *testing.T) {
	seg := Segment{
		RuntimeAddr: 0x7f0000,
		VirtualAddr: 0x1000,
		MemSize:     0x2000,
	}
	if !seg.Contains(0x1000) {
		t.Error("expected segment to contain its own base vaddr")
	}
	if !seg.Contains(0x2fff) {
		t.Error("expected segment to contain its last byte")
	}
	if seg.Contains(0x3000) {
		t.Error("expected segment to exclude one past its end")
	}
	if got := seg.Runtime(0x1500); got != 0x7f0500 {
		t.Errorf("Runtime(0x1500) = 0x%x, want 0x7f0500", uint64(got))
	}
}

func TestRelocateSegmentsPicksContainingSegment(t *testing.T) {
	segs := []Segment{
		{RuntimeAddr: 0x500000, VirtualAddr: 0x0, MemSize: 0x1000},
		{RuntimeAddr: 0x502000, VirtualAddr: 0x2000, MemSize: 0x1000},
	}
	got := RelocateSegments(segs, 0x2100)
	if want := RuntimeAddr(0x502100); got != want {
		t.Errorf("RelocateSegments = 0x%x, want 0x%x", uint64(got), uint64(want))
	}
}

func TestRelocateSegmentsFallsBackToLastSegment(t *testing.T) {
	segs := []Segment{
		{RuntimeAddr: 0x500000, VirtualAddr: 0x0, MemSize: 0x1000},
		{RuntimeAddr: 0x502000, VirtualAddr: 0x2000, MemSize: 0x1000},
	}
	// 0x5000 falls in neither segment's [vaddr, vaddr+memsz) range; the
	// piecewise-affine translation rule falls back to the last
	// segment's own offset, per invariant 2.
	got := RelocateSegments(segs, 0x5000)
	last := &segs[1]
	want := last.RuntimeAddr + RuntimeAddr(0x5000-last.VirtualAddr)
	if got != want {
		t.Errorf("RelocateSegments fallback = 0x%x, want 0x%x", uint64(got), uint64(want))
	}
}

func TestRelocateSegmentsPanicsOnEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on empty segment list")
		}
	}()
	RelocateSegments(nil, 0x1000)
}
