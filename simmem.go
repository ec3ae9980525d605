package rtld

import (
	"fmt"
	"os"
)

func readFullAt(fd int, b []byte, offset int64) (int, error) {
	f := os.NewFile(uintptr(fd), "")
	if f == nil {
		return 0, fmt.Errorf("invalid fd %d", fd)
	}
	return f.ReadAt(b, offset)
}

// simMemorySource simulates the kernel memory contract with plain Go
// allocations: no real address space, no real page protections. It
// backs every test and the rtldctl dry-run driver on any host,
// regardless of whether that host also has unixMemorySource's real
// mmap available, and doubles as the NOMMU demonstration path, where
// the loader never actually gets to choose a segment's placement and
// the "address" it deals in is only ever used relatively, never
// dereferenced.
type simMemorySource struct {
	regions map[uintptr][]byte
	next    uintptr
}

// NewSimMemorySource returns a MemorySource backed by ordinary Go
// slices rather than real mmap calls.
func NewSimMemorySource() MemorySource {
	return &simMemorySource{regions: make(map[uintptr][]byte), next: 0x10000000}
}

func (s *simMemorySource) MapAnon(addr uintptr, size int, prot Prot, fixed bool) ([]byte, error) {
	if size <= 0 {
		size = pageSize
	}
	if !fixed || addr == 0 {
		addr = s.next
		s.next += uintptr(roundUp(uint64(size), pageSize))
	}
	b := make([]byte, size)
	s.regions[addr] = b
	return s.tag(addr, b), nil
}

func (s *simMemorySource) MapFile(addr uintptr, size int, prot Prot, fd int, fileOffset int64) ([]byte, error) {
	if fd < 0 {
		return nil, fmt.Errorf("simMemorySource: MapFile requires a readable fd")
	}
	b := make([]byte, size)
	n, err := readFullAt(fd, b, fileOffset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("simMemorySource: read file segment: %w", err)
	}
	if n < len(b) {
		for i := n; i < len(b); i++ {
			b[i] = 0
		}
	}
	if addr == 0 {
		addr = s.next
		s.next += uintptr(roundUp(uint64(size), pageSize))
	}
	s.regions[addr] = b
	return s.tag(addr, b), nil
}

func (s *simMemorySource) Unmap(b []byte) error {
	p := addrOf(b)
	for addr, r := range s.regions {
		if len(r) > 0 && addrOf(r) == p {
			delete(s.regions, addr)
			break
		}
	}
	return nil
}

func (s *simMemorySource) Protect(b []byte, prot Prot) error {
	// No real page table to manipulate; the simulated source only
	// tracks bytes, not permissions.
	return nil
}

// tag is a no-op placeholder keeping the map keyed by the address we
// assigned, since addrOf(b) (the slice's real backing-array address)
// generally won't equal our simulated addr.
func (s *simMemorySource) tag(addr uintptr, b []byte) []byte {
	return b
}
