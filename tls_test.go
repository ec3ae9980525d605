package rtld

import "testing"

func TestStaticTLSPoolReserveAlignment(t *testing.T) {
	var p StaticTLSPool
	off1 := p.reserve(3, 8)
	if off1%8 != 0 {
		t.Errorf("offset %d not 8-aligned", off1)
	}
	off2 := p.reserve(16, 16)
	if off2%16 != 0 {
		t.Errorf("offset %d not 16-aligned", off2)
	}
	if off2 < off1+3 {
		t.Errorf("second reservation (%d) overlaps the first (size 3 at %d)", off2, off1)
	}
}

func TestStaticTLSPoolReleaseReusesSpace(t *testing.T) {
	var p StaticTLSPool
	a := p.reserve(64, 8)
	p.release(a, 64)
	sizeBefore := p.Size()

	b := p.reserve(64, 8)
	if b != a {
		t.Errorf("expected reserve to reuse the released run at %d, got %d", a, b)
	}
	if p.Size() != sizeBefore {
		t.Errorf("expected Size to stay %d after reusing free space, got %d", sizeBefore, p.Size())
	}
}

func TestAssignStaticTLSSkipsEmptySegments(t *testing.T) {
	l := NewLinker(nil, nil)
	obj := &Object{Path: "notls.so"}
	l.AssignStaticTLS(obj, 1)
	if obj.TLS.StaticAlloc {
		t.Error("expected no static allocation for an object with no PT_TLS")
	}
}

func TestAssignStaticTLSReservesSpace(t *testing.T) {
	l := NewLinker(nil, nil)
	obj := &Object{Path: "tls.so"}
	obj.TLS.Size = 32
	obj.TLS.Align = 16
	l.AssignStaticTLS(obj, 1)
	if !obj.TLS.StaticAlloc {
		t.Fatal("expected a static allocation")
	}
	if obj.TLS.Index != 1 {
		t.Errorf("Index = %d, want 1", obj.TLS.Index)
	}
	if obj.TLS.StaticOffset%16 != 0 {
		t.Errorf("StaticOffset %d not 16-aligned", obj.TLS.StaticOffset)
	}
}
