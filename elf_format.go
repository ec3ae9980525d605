package rtld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// This file hand-decodes the handful of ELF structures the loader needs
// directly out of a raw image, rather than handing the whole file to
// debug/elf.NewFile: only the first page may be read before any segment
// is mapped, and a NOMMU/syspage image may not even be seekable the way
// elf.NewFile's io.ReaderAt assumes. debug/elf's exported constants and
// wire-format structs (Header64, Prog64, Dyn64, Sym64, Rela64) are
// reused verbatim for their tag values and byte layout.

const pageSize = 4096

// machineSet is the set of e_machine values this build accepts.
var machineSet = map[elf.Machine]Arch{
	elf.EM_X86_64:  ArchX86_64,
	elf.EM_AARCH64: ArchAArch64,
	elf.EM_ARM:     ArchARMFDPIC,
	elf.EM_RISCV:   ArchRISCV64,
}

// ParsedHeader holds the decoded ELF header plus the raw program header
// table, before any segment has been placed in memory.
type ParsedHeader struct {
	Class   elf.Class
	Data    elf.Data
	Type    elf.Type
	Machine elf.Machine
	Arch    Arch
	Entry   VirtualAddr
	Phoff   FileOffset
	Phnum   int
	Phentsz int

	Phdrs []ProgHeader
}

// ProgHeader is a decoded program header, independent of 32/64-bitness.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset FileOffset
	Vaddr  VirtualAddr
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ParseHeader validates e_ident and decodes the ELF and program headers
// out of the first page of an image.
func ParseHeader(image []byte) (*ParsedHeader, error) {
	if len(image) < 64 {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: "image shorter than an ELF header"}
	}
	if !bytes.Equal(image[:4], []byte(elf.ELFMAG)) {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: "bad ELF magic"}
	}

	class := elf.Class(image[elf.EI_CLASS])
	if class != elf.ELFCLASS64 {
		// 32-bit targets are out of scope for this host build; the
		// host word size gates acceptance.
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: fmt.Sprintf("unsupported ELF class %v", class)}
	}
	data := elf.Data(image[elf.EI_DATA])
	if data != elf.ELFDATA2LSB {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: fmt.Sprintf("unsupported byte order %v", data)}
	}
	if image[elf.EI_VERSION] != byte(elf.EV_CURRENT) {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: "bad e_ident version"}
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &hdr); err != nil {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: "short read decoding ELF header"}
	}

	if elf.Type(hdr.Type) != elf.ET_EXEC && elf.Type(hdr.Type) != elf.ET_DYN {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: fmt.Sprintf("unsupported e_type %v", elf.Type(hdr.Type))}
	}
	arch, ok := machineSet[elf.Machine(hdr.Machine)]
	if !ok {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: fmt.Sprintf("unsupported e_machine %v", elf.Machine(hdr.Machine))}
	}

	phoff := FileOffset(hdr.Phoff)
	phentsz := int(hdr.Phentsize)
	phnum := int(hdr.Phnum)
	if phentsz == 0 {
		phentsz = 56 // sizeof(Elf64_Phdr)
	}
	need := uint64(phoff) + uint64(phnum)*uint64(phentsz)
	if need > uint64(len(image)) || need > pageSize {
		return nil, &LoaderError{Kind: ErrMalformedImage, Message: "program header table exceeds first page"}
	}

	ph := &ParsedHeader{
		Class:   class,
		Data:    data,
		Type:    elf.Type(hdr.Type),
		Machine: elf.Machine(hdr.Machine),
		Arch:    arch,
		Entry:   VirtualAddr(hdr.Entry),
		Phoff:   phoff,
		Phnum:   phnum,
		Phentsz: phentsz,
	}

	r := bytes.NewReader(image[phoff:need])
	for i := 0; i < phnum; i++ {
		var p elf.Prog64
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, &LoaderError{Kind: ErrMalformedImage, Message: "short read decoding program header"}
		}
		ph.Phdrs = append(ph.Phdrs, ProgHeader{
			Type:   elf.ProgType(p.Type),
			Flags:  elf.ProgFlag(p.Flags),
			Offset: FileOffset(p.Off),
			Vaddr:  VirtualAddr(p.Vaddr),
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	return ph, nil
}

// protFromFlags converts ELF segment flags to mmap-style Prot bits.
func protFromFlags(f elf.ProgFlag) Prot {
	var p Prot
	if f&elf.PF_R != 0 {
		p |= ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= ProtExec
	}
	return p
}

// DynEntry is one decoded entry of a PT_DYNAMIC array.
type DynEntry struct {
	Tag elf.DynTag
	Val uint64
}

// decodeDynamic decodes a raw .dynamic byte range (already relocated to
// a runtime address and copied out, or sliced directly from a mapped
// segment) into a sequence of tag/value pairs, stopping at DT_NULL.
func decodeDynamic(b []byte) ([]DynEntry, error) {
	const entsz = 16 // sizeof(Elf64_Dyn)
	var out []DynEntry
	for off := 0; off+entsz <= len(b); off += entsz {
		var d elf.Dyn64
		if err := binary.Read(bytes.NewReader(b[off:off+entsz]), binary.LittleEndian, &d); err != nil {
			return nil, &LoaderError{Kind: ErrMalformedImage, Message: "short read decoding dynamic entry"}
		}
		tag := elf.DynTag(d.Tag)
		out = append(out, DynEntry{Tag: tag, Val: d.Val})
		if tag == elf.DT_NULL {
			break
		}
	}
	return out, nil
}

// Sym is a decoded 64-bit symbol table entry.
type Sym struct {
	NameOff uint32
	Info    byte
	Other   byte
	Shndx   elf.SectionIndex
	Value   VirtualAddr
	Size    uint64
}

func (s Sym) Bind() elf.SymBind { return elf.SymBind(s.Info >> 4) }
func (s Sym) Type() elf.SymType { return elf.SymType(s.Info & 0xf) }

func decodeSym(b []byte, index int) (Sym, error) {
	const entsz = 24 // sizeof(Elf64_Sym)
	off := index * entsz
	if off+entsz > len(b) {
		return Sym{}, &LoaderError{Kind: ErrMalformedImage, Message: "symbol index out of range"}
	}
	var s elf.Sym64
	if err := binary.Read(bytes.NewReader(b[off:off+entsz]), binary.LittleEndian, &s); err != nil {
		return Sym{}, &LoaderError{Kind: ErrMalformedImage, Message: "short read decoding symbol"}
	}
	return Sym{
		NameOff: s.Name,
		Info:    s.Info,
		Other:   s.Other,
		Shndx:   elf.SectionIndex(s.Shndx),
		Value:   VirtualAddr(s.Value),
		Size:    s.Size,
	}, nil
}

// Rela is a decoded Elf64_Rela entry (REL-style entries are normalized
// to this shape by Relocator.decodeEntry, which takes the addend from
// the relocated slot).
type Rela struct {
	Offset VirtualAddr
	Sym    uint32
	Type   uint32
	Addend int64
}

func decodeRela(b []byte, index int) (Rela, error) {
	const entsz = 24 // sizeof(Elf64_Rela)
	off := index * entsz
	if off+entsz > len(b) {
		return Rela{}, &LoaderError{Kind: ErrMalformedImage, Message: "relocation index out of range"}
	}
	var r elf.Rela64
	if err := binary.Read(bytes.NewReader(b[off:off+entsz]), binary.LittleEndian, &r); err != nil {
		return Rela{}, &LoaderError{Kind: ErrMalformedImage, Message: "short read decoding relocation"}
	}
	return Rela{
		Offset: VirtualAddr(r.Off),
		Sym:    uint32(r.Info >> 32),
		Type:   uint32(r.Info),
		Addend: r.Addend,
	}, nil
}

func cstring(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}
