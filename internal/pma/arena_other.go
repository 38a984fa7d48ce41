//go:build !linux

package pma

import "fmt"

// Arena is unavailable on non-Linux hosts in this port; production callers
// on those platforms supply a pre-populated frame list instead (as the
// boot loader's firmware memory map would).
type Arena struct{}

func NewArena(pageSize uintptr, size uintptr) (*Arena, []Frame, error) {
	return nil, nil, fmt.Errorf("pma: mmap-backed arena is only implemented on linux")
}

func (ar *Arena) Bytes(addr Addr, pageSize uintptr) []byte { return nil }
func (ar *Arena) Close() error                             { return nil }
