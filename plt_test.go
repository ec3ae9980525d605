package rtld

import (
	"debug/elf"
	"testing"
)

func TestBinderBindAllResolvesJumpSlot(t *testing.T) {
	defobj := makeTestObject("libfoo.so", []testSym{{"helper", elf.STB_GLOBAL, 0x60}}, 0x700000)

	caller := newWritableObject("main", 0x1000, 0x2000, 0x500000)
	symtab, strtab := buildSymStrTabs([]testSym{{"helper", elf.STB_GLOBAL, 0}})
	caller.SymTab = symtab
	caller.StrTab = strtab
	caller.JmpRelCount = 1
	caller.JmpRelTab = encodeRela([]Rela{
		{Offset: 0x1100, Sym: 1, Type: uint32(elf.R_X86_64_JMP_SLOT), Addend: 0},
	})

	l := newTestLinker(defobj, caller)
	res := NewResolver(l)
	binder := NewBinder(l, res)
	if err := binder.BindAll(caller, nil); err != nil {
		t.Fatalf("BindAll: %v", err)
	}

	got := leUint64(caller.Segments[0].data[0x100:0x108])
	want := uint64(defobj.Segments[0].RuntimeAddr) + 0x60
	if got != want {
		t.Errorf("JUMP_SLOT slot = 0x%x, want 0x%x", got, want)
	}
}

func TestBinderBindAllResolvesIrelativeEagerly(t *testing.T) {
	caller := newWritableObject("main", 0x1000, 0x2000, 0x500000)
	caller.JmpRelCount = 1
	caller.JmpRelTab = encodeRela([]Rela{
		{Offset: 0x1110, Type: uint32(elf.R_X86_64_IRELATIVE), Addend: 0x40},
	})

	l := newTestLinker(caller)
	res := NewResolver(l)
	binder := NewBinder(l, res)
	if err := binder.BindAll(caller, constIFuncCaller{val: 0x1234}); err != nil {
		t.Fatalf("BindAll: %v", err)
	}
	got := leUint64(caller.Segments[0].data[0x110:0x118])
	if got != 0x1234 {
		t.Errorf("IRELATIVE PLT slot = 0x%x, want 0x1234", got)
	}
}

func TestBinderBindLazyPrimesReservedSlots(t *testing.T) {
	obj := newWritableObject("main", 0x1000, 0x2000, 0x500000)
	obj.PLTGOT = 0x1200

	l := newTestLinker(obj)
	res := NewResolver(l)
	binder := NewBinder(l, res)
	if err := binder.BindLazy(obj, 0x999000); err != nil {
		t.Fatalf("BindLazy: %v", err)
	}

	seg := &obj.Segments[0]
	identitySlot := sliceAt(seg, obj.PLTGOT, 24)[8:16]
	binderSlot := sliceAt(seg, obj.PLTGOT, 24)[16:24]
	if leUint64(identitySlot) != uint64(objIdentity(obj)) {
		t.Error("expected GOT[1] to hold the object's identity token")
	}
	if leUint64(binderSlot) != 0x999000 {
		t.Error("expected GOT[2] to hold the binder entry point")
	}
}

func TestBinderBindOneUsesIdentityToFindObject(t *testing.T) {
	defobj := makeTestObject("libfoo.so", []testSym{{"lazyfn", elf.STB_GLOBAL, 0x90}}, 0x700000)

	caller := newWritableObject("main", 0x1000, 0x2000, 0x500000)
	symtab, strtab := buildSymStrTabs([]testSym{{"lazyfn", elf.STB_GLOBAL, 0}})
	caller.SymTab = symtab
	caller.StrTab = strtab
	caller.PLTGOT = 0x1200
	caller.JmpRelCount = 1
	caller.JmpRelTab = encodeRela([]Rela{
		{Offset: 0x1300, Sym: 1, Type: uint32(elf.R_X86_64_JMP_SLOT), Addend: 0},
	})

	l := newTestLinker(defobj, caller)
	res := NewResolver(l)
	binder := NewBinder(l, res)
	if err := binder.BindLazy(caller, 0x999000); err != nil {
		t.Fatalf("BindLazy: %v", err)
	}

	addr, err := binder.BindOne(uint64(objIdentity(caller)), 0, nil)
	if err != nil {
		t.Fatalf("BindOne: %v", err)
	}
	want := RuntimeAddr(uint64(defobj.Segments[0].RuntimeAddr) + 0x90)
	if addr != want {
		t.Errorf("BindOne = 0x%x, want 0x%x", uint64(addr), uint64(want))
	}
}
