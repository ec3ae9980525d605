package rtld

import "fmt"

// VirtualAddr is a link-time address as recorded in an object's program
// headers, symbol table, or dynamic section, before any segment has been
// placed in memory.
type VirtualAddr uint64

// RuntimeAddr is the address a VirtualAddr maps to once its containing
// segment has actually been mapped into memory. On MMU targets every
// segment of an object shares one displacement from VirtualAddr to
// RuntimeAddr; on FDPIC/NOMMU targets each segment may have its own.
type RuntimeAddr uint64

// FileOffset is a byte offset within the ELF file or image backing an
// object.
type FileOffset uint64

func (v VirtualAddr) String() string { return fmt.Sprintf("vaddr:0x%x", uint64(v)) }
func (r RuntimeAddr) String() string { return fmt.Sprintf("addr:0x%x", uint64(r)) }
func (f FileOffset) String() string  { return fmt.Sprintf("foff:0x%x", uint64(f)) }

// Add returns a+delta, delta being signed to allow subtracting a base.
func (v VirtualAddr) Add(delta int64) VirtualAddr { return VirtualAddr(int64(v) + delta) }
func (r RuntimeAddr) Add(delta int64) RuntimeAddr { return RuntimeAddr(int64(r) + delta) }

// Segment is one entry of an Object's load map: a
// (runtime_addr, virtual_addr, memsz, prot, flags) tuple.
type Segment struct {
	RuntimeAddr RuntimeAddr // where it actually ended up in memory
	VirtualAddr VirtualAddr // where the link editor expected it
	FileOffset  FileOffset  // offset within the backing image
	FileSize    uint64      // bytes copied from the file
	MemSize     uint64      // total mapped size, >= FileSize (the rest is BSS)
	Prot        Prot        // mmap-style protection bits
	Flags       SegmentFlag

	// data is the actual backing storage for this segment, owned by the
	// MemorySource that produced it. Present so Unmap can release it and
	// so tests can inspect/mutate bytes without a real mmap.
	data []byte
}

// Prot mirrors the three mmap protection bits: read, write, execute.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// SegmentFlag records bookkeeping bits about how a segment was produced,
// used by the unmap path and by the NOMMU "refusal to unmap" rule.
type SegmentFlag uint8

const (
	// SegCopied marks a segment that started out backed by a shared
	// physical (syspage) mapping but was copied into a private
	// anonymous mapping because it is writable (NOMMU path, spec §4.A
	// step 5).
	SegCopied SegmentFlag = 1 << iota
	// SegPhysical marks a segment mapped MAP_PHYSMEM directly over an
	// in-kernel image; such segments refuse to unmap (spec's Object
	// lifecycle: "unless the backing mapping is refusal-to-unmap on
	// NOMMU with MAP_PHYSMEM").
	SegPhysical
)

// Bytes returns the live backing storage for the segment. Callers must
// hold whatever lock protects the owning Object while mutating it (the
// registry's exclusive lock at load time, the PLT binder's shared lock
// thereafter for GOT-containing segments).
func (s *Segment) Bytes() []byte { return s.data }

// Contains reports whether a virtual address falls within this segment's
// declared virtual extent, per invariant 2: "the symbol whose st_value
// lies in [virtual_addr, virtual_addr+memsz)".
func (s *Segment) Contains(vaddr VirtualAddr) bool {
	return vaddr >= s.VirtualAddr && uint64(vaddr-s.VirtualAddr) < s.MemSize
}

// Runtime converts a virtual address to its runtime address using this
// segment's displacement, without checking Contains.
func (s *Segment) Runtime(vaddr VirtualAddr) RuntimeAddr {
	return s.RuntimeAddr + RuntimeAddr(vaddr-s.VirtualAddr)
}

// RelocateSegments is the piecewise-affine helper of invariant 2: find
// the segment containing vaddr and translate through it, falling back
// to the last segment when none contains it (required, per spec, for a
// register-relative symbol sitting immediately beyond a .data segment's
// memsz — e.g. a RISC-V gp symbol at .data+0x800).
//
// segs must be sorted by ascending VirtualAddr (invariant 2); the
// Mapper guarantees this when it builds an Object's load map.
func RelocateSegments(segs []Segment, vaddr VirtualAddr) RuntimeAddr {
	if len(segs) == 0 {
		panic("rtld: RelocateSegments called with no segments")
	}
	for i := range segs {
		if segs[i].Contains(vaddr) {
			return segs[i].Runtime(vaddr)
		}
	}
	last := &segs[len(segs)-1]
	return last.Runtime(vaddr)
}
