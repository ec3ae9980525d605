package rtld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

type testSym struct {
	name  string
	bind  elf.SymBind
	value uint64
}

// buildSymStrTabs lays out a null symbol followed by one entry per
// testSym, and a string table with a leading NUL, mirroring the ABI's
// mandatory index-0 entries.
func buildSymStrTabs(syms []testSym) (symtab, strtab []byte) {
	var str bytes.Buffer
	str.WriteByte(0)
	offs := make([]uint32, len(syms))
	for i, s := range syms {
		offs[i] = uint32(str.Len())
		str.WriteString(s.name)
		str.WriteByte(0)
	}

	var sym bytes.Buffer
	binary.Write(&sym, binary.LittleEndian, elf.Sym64{}) // index 0: STN_UNDEF
	for i, s := range syms {
		info := byte(s.bind)<<4 | byte(elf.STT_FUNC)
		e := elf.Sym64{
			Name:  offs[i],
			Info:  info,
			Other: 0,
			Shndx: 1, // anything != SHN_UNDEF
			Value: s.value,
			Size:  0,
		}
		binary.Write(&sym, binary.LittleEndian, e)
	}
	return sym.Bytes(), str.Bytes()
}

func makeTestObject(path string, syms []testSym, runtimeBase RuntimeAddr) *Object {
	symtab, strtab := buildSymStrTabs(syms)
	return &Object{
		Path:    path,
		Arch:    ArchX86_64,
		SymTab:  symtab,
		StrTab:  strtab,
		NumSyms: len(syms) + 1,
		Segments: []Segment{
			{RuntimeAddr: runtimeBase, VirtualAddr: 0, MemSize: 0x100000},
		},
	}
}

func newTestLinker(objs ...*Object) *Linker {
	l := NewLinker(nil, nil)
	for _, o := range objs {
		l.insertTail(o)
	}
	return l
}

func TestResolverGlobalScanOrder(t *testing.T) {
	a := makeTestObject("a.so", []testSym{{"foo", elf.STB_GLOBAL, 0x10}}, 0x100000)
	b := makeTestObject("b.so", []testSym{{"foo", elf.STB_GLOBAL, 0x20}}, 0x200000)
	l := newTestLinker(a, b)
	res := NewResolver(l)

	defobj, sym, ok := res.FindSym(nil, "foo")
	if !ok {
		t.Fatal("expected foo to resolve")
	}
	if defobj != a {
		t.Errorf("FindSym picked %s, want a.so (load-order-first match)", defobj.Path)
	}
	if sym.Value != 0x10 {
		t.Errorf("sym.Value = 0x%x, want 0x10", uint64(sym.Value))
	}
}

func TestResolverWeakFallsBackAfterFullScan(t *testing.T) {
	a := makeTestObject("a.so", []testSym{{"bar", elf.STB_WEAK, 0x10}}, 0x100000)
	b := makeTestObject("b.so", []testSym{{"bar", elf.STB_GLOBAL, 0x20}}, 0x200000)
	l := newTestLinker(a, b)
	res := NewResolver(l)

	defobj, sym, ok := res.FindSym(nil, "bar")
	if !ok {
		t.Fatal("expected bar to resolve")
	}
	if defobj != b || sym.Value != 0x20 {
		t.Errorf("expected the strong definition in b.so to win over a weak earlier hit, got %s/0x%x", defobj.Path, uint64(sym.Value))
	}
}

func TestResolverSymbolicSearchesCallerFirst(t *testing.T) {
	caller := makeTestObject("main.so", []testSym{{"baz", elf.STB_GLOBAL, 0x30}}, 0x300000)
	caller.setFlag(FlagSymbolic)
	other := makeTestObject("other.so", []testSym{{"baz", elf.STB_GLOBAL, 0x40}}, 0x400000)
	l := newTestLinker(other, caller)
	res := NewResolver(l)

	defobj, sym, ok := res.FindSym(caller, "baz")
	if !ok {
		t.Fatal("expected baz to resolve")
	}
	if defobj != caller || sym.Value != 0x30 {
		t.Errorf("DT_SYMBOLIC should search caller's own table first, got %s/0x%x", defobj.Path, uint64(sym.Value))
	}
}

func TestResolverCachesLookups(t *testing.T) {
	a := makeTestObject("a.so", []testSym{{"qux", elf.STB_GLOBAL, 0x10}}, 0x100000)
	l := newTestLinker(a)
	res := NewResolver(l)

	if _, _, ok := res.FindSym(nil, "qux"); !ok {
		t.Fatal("expected qux to resolve")
	}
	key := resolveCacheKey{caller: nil, name: "qux"}
	if _, ok := res.cache[key]; !ok {
		t.Error("expected FindSym to populate the lookup cache")
	}
	res.Invalidate()
	if len(res.cache) != 0 {
		t.Error("expected Invalidate to clear the cache")
	}
}

func TestSysVHashRoundTrip(t *testing.T) {
	syms := []testSym{
		{"alpha", elf.STB_GLOBAL, 0x1000},
		{"beta", elf.STB_GLOBAL, 0x2000},
		{"gamma", elf.STB_GLOBAL, 0x3000},
	}
	obj := makeTestObject("t.so", syms, 0x100000)
	obj.HashStyle = hashSysV
	obj.HashTable = buildSysVHash(syms)

	for _, s := range syms {
		got, ok := lookupSysV(obj, s.name)
		if !ok {
			t.Errorf("lookupSysV(%q) not found", s.name)
			continue
		}
		if uint64(got.Value) != s.value {
			t.Errorf("lookupSysV(%q).Value = 0x%x, want 0x%x", s.name, uint64(got.Value), s.value)
		}
	}
	if _, ok := lookupSysV(obj, "nope"); ok {
		t.Error("lookupSysV found a symbol that was never defined")
	}
}

// buildSysVHash constructs a single-bucket SysV DT_HASH table
// covering index 1..len(syms) (index 0 is the mandatory null symbol).
func buildSysVHash(syms []testSym) []byte {
	nbucket := uint32(1)
	nchain := uint32(len(syms) + 1)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, nbucket)
	binary.Write(&buf, binary.LittleEndian, nchain)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // bucket[0] -> chain index 1
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // chain[0] (STN_UNDEF) terminates
	for i := range syms {
		next := uint32(0)
		if i+1 < len(syms) {
			next = uint32(i + 2)
		}
		binary.Write(&buf, binary.LittleEndian, next)
	}
	return buf.Bytes()
}
