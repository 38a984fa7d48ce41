//go:build linux

package pma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a host-backed stand-in for a run of physical RAM: an anonymous
// mmap region whose pages this allocator can actually hand out and whose
// bytes can be dereferenced through Bytes, instead of treating Frame.Base
// as an opaque integer. No other package uses it yet: internal/mrb keeps
// its own byte buffer per region. Grounded on the teacher's
// direct golang.org/x/sys dependency (go.mod), previously unwired in the
// retrieved slice.
type Arena struct {
	mem   []byte
	base  uintptr
	pages int
}

// NewArena mmaps size bytes (rounded up to pageSize) and returns an Arena
// plus the Frame list describing it, ready to be passed to AddMask.
func NewArena(pageSize uintptr, size uintptr) (*Arena, []Frame, error) {
	if pageSize == 0 || size == 0 {
		return nil, nil, fmt.Errorf("pma: pageSize and size must be non-zero")
	}
	pages := int((size + pageSize - 1) / pageSize)
	length := uintptr(pages) * pageSize

	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("pma: mmap arena: %w", err)
	}

	base := uintptr(0)
	if len(mem) > 0 {
		base = uintptr(unsafe.Pointer(&mem[0]))
	}

	frames := make([]Frame, pages)
	for i := range frames {
		frames[i] = Frame{Base: Addr(base) + Addr(uintptr(i)*pageSize)}
	}

	return &Arena{mem: mem, base: base, pages: pages}, frames, nil
}

// Bytes returns the backing slice for a frame at the given base address,
// of length pageSize, or nil if the address does not fall within this
// arena.
func (ar *Arena) Bytes(addr Addr, pageSize uintptr) []byte {
	off := uintptr(addr) - ar.base
	if off >= uintptr(len(ar.mem)) {
		return nil
	}
	end := off + pageSize
	if end > uintptr(len(ar.mem)) {
		end = uintptr(len(ar.mem))
	}
	return ar.mem[off:end]
}

// Close releases the arena's backing pages.
func (ar *Arena) Close() error {
	if ar.mem == nil {
		return nil
	}
	err := unix.Munmap(ar.mem)
	ar.mem = nil
	return err
}
