package rpc

import (
	"fmt"
	"os"
	"path/filepath"

	iofs "io/fs"

	"github.com/vali-os/corekernel/internal/core"
)

// Reload mirrors a host directory (standing in for the boot loader's
// ramdisk staging area) into the in-memory tree, overwriting any existing
// file content. Satisfies internal/boot.Reloader so boot.WatchRamdisk can
// drive it from fsnotify events.
func (m *MemFS) Reload(dir string) error {
	return filepath.WalkDir(dir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		memPath := "/" + filepath.ToSlash(rel)

		if d.IsDir() {
			if code := m.Mkdir(memPath); !code.Ok() && code != core.StatusExists {
				return fmt.Errorf("rpc: mkdir %s: %s", memPath, code)
			}
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return m.writeDirect(memPath, data)
	})
}

// writeDirect stores host file bytes straight into the node tree,
// bypassing the MemoryRegion-mediated FileService.Write: Reload is
// copying from the host filesystem, not from a caller-supplied region, so
// there is no MRB handle to read from.
func (m *MemFS) writeDirect(path string, data []byte) error {
	h, code := m.Open(path, OpenCreate|OpenTruncate, AccessWrite)
	if !code.Ok() {
		return fmt.Errorf("rpc: open %s: %s", path, code)
	}
	defer m.Close(h)

	of, code := m.lookupOpen(h)
	if !code.Ok() {
		return fmt.Errorf("rpc: lookup %s: %s", path, code)
	}
	of.node.mu.Lock()
	of.node.data = append([]byte(nil), data...)
	of.node.mu.Unlock()
	return nil
}
