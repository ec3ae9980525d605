package rtld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// layoutDynamicObject builds a single writable segment containing a
// .dynamic array, a string table, a symbol table, and a SysV hash
// table, all at caller-chosen virtual offsets within the segment, so
// Digest can be exercised without a real on-disk ELF file.
func layoutDynamicObject(t *testing.T) *Object {
	t.Helper()
	const segBase = VirtualAddr(0x1000)
	const segSize = 0x4000

	data := make([]byte, segSize)

	strtabOff := 0x200
	strtab := []byte("\x00needed.so\x00widget\x00")
	copy(data[strtabOff:], strtab)
	widgetNameOff := uint32(bytes.IndexByte(strtab, 'w'))

	symSyms := []testSym{{"widget", elf.STB_GLOBAL, 0x55}}
	var symBuf bytes.Buffer
	binary.Write(&symBuf, binary.LittleEndian, elf.Sym64{}) // STN_UNDEF
	binary.Write(&symBuf, binary.LittleEndian, elf.Sym64{
		Name:  widgetNameOff,
		Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
		Shndx: 1,
		Value: 0x55,
	})
	symtabOff := 0x400
	copy(data[symtabOff:], symBuf.Bytes())

	hashOff := 0x600
	hashBytes := buildSysVHash(symSyms)
	copy(data[hashOff:], hashBytes)

	dynOff := 0x0
	neededNameOff := bytes.IndexByte(strtab, 'n') // offset of "needed.so" within strtab
	dyn := []DynEntry{
		{Tag: elf.DT_STRTAB, Val: uint64(segBase) + uint64(strtabOff)},
		{Tag: elf.DT_STRSZ, Val: uint64(len(strtab))},
		{Tag: elf.DT_SYMTAB, Val: uint64(segBase) + uint64(symtabOff)},
		{Tag: elf.DT_SYMENT, Val: 24},
		{Tag: elf.DT_HASH, Val: uint64(segBase) + uint64(hashOff)},
		{Tag: elf.DT_NEEDED, Val: uint64(neededNameOff)},
		{Tag: elf.DT_PLTGOT, Val: uint64(segBase) + 0x800},
		{Tag: elf.DT_FLAGS, Val: uint64(elf.DF_SYMBOLIC)},
		{Tag: elf.DT_NULL, Val: 0},
	}
	var buf bytes.Buffer
	for _, d := range dyn {
		binary.Write(&buf, binary.LittleEndian, elf.Dyn64{Tag: int64(d.Tag), Val: d.Val})
	}
	copy(data[dynOff:], buf.Bytes())

	obj := &Object{
		Path:        "t.so",
		Arch:        ArchX86_64,
		DynamicAddr: segBase + VirtualAddr(dynOff),
		Segments: []Segment{
			{RuntimeAddr: 0x500000, VirtualAddr: segBase, MemSize: segSize, data: data},
		},
	}
	return obj
}

func TestDigestPopulatesTables(t *testing.T) {
	obj := layoutDynamicObject(t)
	if err := Digest(obj); err != nil {
		t.Fatalf("Digest: %v", err)
	}

	if len(obj.Needed) != 1 || obj.Needed[0].Name != "needed.so" {
		t.Errorf("Needed = %+v, want [{needed.so}]", obj.Needed)
	}
	if !obj.hasFlag(FlagSymbolic) {
		t.Error("expected FlagSymbolic to be set from DF_SYMBOLIC")
	}
	if obj.HashStyle != hashSysV {
		t.Errorf("HashStyle = %v, want hashSysV", obj.HashStyle)
	}
	if obj.NumSyms != 2 { // null sym + widget
		t.Errorf("NumSyms = %d, want 2", obj.NumSyms)
	}
	wantPLTGOT := obj.Segments[0].VirtualAddr + 0x800
	if obj.PLTGOT != wantPLTGOT {
		t.Errorf("PLTGOT = 0x%x, want 0x%x", uint64(obj.PLTGOT), uint64(wantPLTGOT))
	}

	sym, ok := lookupLocal(obj, "widget")
	if !ok {
		t.Fatal("expected widget to be found via the digested hash table")
	}
	if sym.Value != 0x55 {
		t.Errorf("widget.Value = 0x%x, want 0x55", uint64(sym.Value))
	}
}

func TestDigestRejectsMissingSymtab(t *testing.T) {
	obj := &Object{
		Path:        "bad.so",
		DynamicAddr: 0x1000,
		Segments: []Segment{
			{RuntimeAddr: 0x500000, VirtualAddr: 0x1000, MemSize: 0x100, data: make([]byte, 0x100)},
		},
	}
	// Empty dynamic array: immediately DT_NULL.
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	copy(obj.Segments[0].data, buf.Bytes())

	if err := Digest(obj); err == nil {
		t.Fatal("expected an error when DT_SYMTAB/DT_STRTAB are missing")
	}
}
