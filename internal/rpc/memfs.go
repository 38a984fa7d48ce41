package rpc

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/mrb"
)

// inode is the teacher's Inode (filesystem.go), trimmed to what this port
// exercises: a name-keyed directory tree holding either children or data.
type inode struct {
	mu       sync.RWMutex
	name     string
	isDir    bool
	data     []byte
	children map[string]*inode
	parent   *inode
}

// openFile tracks one Open'd handle's cursor, per the teacher's File type.
type openFile struct {
	node *inode
	pos  int64
}

// MemFS is an in-memory FileService: enough of a directory tree to
// exercise the FileService contract and MRB's Read/Write paths in
// tests without a real disk image, per spec.md §1's "MFS driver" mention.
type MemFS struct {
	mu    sync.Mutex
	root  *inode
	open  map[Handle]*openFile
	next  atomic.Uint64
	mrb   *mrb.Broker
	log   *logrus.Entry
}

// NewMemFS allocates an empty root directory backed by broker for
// Read/Write bulk transfer through MemoryRegion handles.
func NewMemFS(broker *mrb.Broker) *MemFS {
	return &MemFS{
		root: &inode{name: "/", isDir: true, children: make(map[string]*inode)},
		open: make(map[Handle]*openFile),
		mrb:  broker,
		log:  logrus.WithField("component", "rpc"),
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (fs *MemFS) resolve(path string) (*inode, ErrorCode) {
	cur := fs.root
	for _, part := range splitPath(path) {
		cur.mu.RLock()
		child, ok := cur.children[part]
		cur.mu.RUnlock()
		if !ok {
			return nil, core.StatusPathNotFound
		}
		cur = child
	}
	return cur, core.StatusOK
}

func (fs *MemFS) resolveParent(path string) (parent *inode, name string, status ErrorCode) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", core.StatusInvalidParameters
	}
	cur := fs.root
	for _, part := range parts[:len(parts)-1] {
		cur.mu.RLock()
		child, ok := cur.children[part]
		cur.mu.RUnlock()
		if !ok {
			return nil, "", core.StatusPathNotFound
		}
		cur = child
	}
	return cur, parts[len(parts)-1], core.StatusOK
}

// Open resolves path, creating it first if OpenCreate is set and it does
// not yet exist, per spec.md §6.
func (fs *MemFS) Open(path string, options OpenFlags, access AccessFlags) (Handle, ErrorCode) {
	node, status := fs.resolve(path)
	if status != core.StatusOK {
		if options&OpenCreate == 0 {
			return 0, status
		}
		parent, name, pstatus := fs.resolveParent(path)
		if pstatus != core.StatusOK {
			return 0, pstatus
		}
		parent.mu.Lock()
		if _, exists := parent.children[name]; exists {
			parent.mu.Unlock()
			return 0, core.StatusExists
		}
		node = &inode{name: name, parent: parent}
		parent.children[name] = node
		parent.mu.Unlock()
	}

	if options&OpenTruncate != 0 {
		if node.isDir {
			return 0, core.StatusPathIsNotDirectory
		}
		node.mu.Lock()
		node.data = node.data[:0]
		node.mu.Unlock()
	}

	fs.mu.Lock()
	h := Handle(fs.next.Add(1))
	of := &openFile{node: node}
	if options&OpenAppend != 0 {
		node.mu.RLock()
		of.pos = int64(len(node.data))
		node.mu.RUnlock()
	}
	fs.open[h] = of
	fs.mu.Unlock()

	return h, core.StatusOK
}

func (fs *MemFS) lookupOpen(h Handle) (*openFile, ErrorCode) {
	fs.mu.Lock()
	of, ok := fs.open[h]
	fs.mu.Unlock()
	if !ok {
		return nil, core.StatusDoesNotExist
	}
	return of, core.StatusOK
}

// Close drops the handle's bookkeeping; the inode itself persists in the
// tree regardless of open-handle count (this port has no reference-
// counted deletion — see Unlink).
func (fs *MemFS) Close(h Handle) ErrorCode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.open[h]; !ok {
		return core.StatusDoesNotExist
	}
	delete(fs.open, h)
	return core.StatusOK
}

// Read copies length bytes starting at offset from the file into the
// caller-supplied MemoryRegion, per §6's "data via MemoryRegion" column.
func (fs *MemFS) Read(h Handle, buf mrb.Handle, offset, length uint64) (uint64, ErrorCode) {
	of, status := fs.lookupOpen(h)
	if status != core.StatusOK {
		return 0, status
	}

	of.node.mu.RLock()
	if offset >= uint64(len(of.node.data)) {
		of.node.mu.RUnlock()
		return 0, core.StatusOK
	}
	end := offset + length
	if end > uint64(len(of.node.data)) {
		end = uint64(len(of.node.data))
	}
	chunk := append([]byte(nil), of.node.data[offset:end]...)
	of.node.mu.RUnlock()

	n, wstatus := fs.mrb.Write(buf, 0, chunk)
	if !wstatus.Ok() {
		return 0, wstatus
	}
	return uint64(n), core.StatusOK
}

// Write copies length bytes from the caller-supplied MemoryRegion into the
// file at offset, growing the file as needed.
func (fs *MemFS) Write(h Handle, buf mrb.Handle, offset, length uint64) (uint64, ErrorCode) {
	of, status := fs.lookupOpen(h)
	if status != core.StatusOK {
		return 0, status
	}

	chunk := make([]byte, length)
	n, rstatus := fs.mrb.Read(buf, 0, chunk)
	if !rstatus.Ok() {
		return 0, rstatus
	}
	chunk = chunk[:n]

	of.node.mu.Lock()
	defer of.node.mu.Unlock()
	end := offset + uint64(len(chunk))
	if end > uint64(len(of.node.data)) {
		grown := make([]byte, end)
		copy(grown, of.node.data)
		of.node.data = grown
	}
	copy(of.node.data[offset:end], chunk)
	return uint64(len(chunk)), core.StatusOK
}

// Seek repositions the handle's cursor (bookkeeping only — Read/Write take
// an explicit offset per spec.md §6, matching a stateless RPC boundary).
func (fs *MemFS) Seek(h Handle, pos int64) ErrorCode {
	of, status := fs.lookupOpen(h)
	if status != core.StatusOK {
		return status
	}
	if pos < 0 {
		return core.StatusInvalidParameters
	}
	of.pos = pos
	return core.StatusOK
}

func (fs *MemFS) Stat(h Handle) (Descriptor, ErrorCode) {
	of, status := fs.lookupOpen(h)
	if status != core.StatusOK {
		return Descriptor{}, status
	}
	of.node.mu.RLock()
	defer of.node.mu.RUnlock()
	d := Descriptor{Name: of.node.name, Size: uint64(len(of.node.data)), Handle: h}
	if of.node.isDir {
		d.Type = FileTypeDirectory
	}
	return d, core.StatusOK
}

func (fs *MemFS) Mkdir(path string) ErrorCode {
	parent, name, status := fs.resolveParent(path)
	if status != core.StatusOK {
		return status
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, exists := parent.children[name]; exists {
		return core.StatusExists
	}
	parent.children[name] = &inode{name: name, isDir: true, children: make(map[string]*inode), parent: parent}
	return core.StatusOK
}

func (fs *MemFS) Unlink(path string) ErrorCode {
	parent, name, status := fs.resolveParent(path)
	if status != core.StatusOK {
		return status
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	node, exists := parent.children[name]
	if !exists {
		return core.StatusPathNotFound
	}
	if node.isDir && len(node.children) > 0 {
		return core.StatusBusy
	}
	delete(parent.children, name)
	return core.StatusOK
}

func (fs *MemFS) Move(src, dst string) ErrorCode {
	srcParent, srcName, status := fs.resolveParent(src)
	if status != core.StatusOK {
		return status
	}
	dstParent, dstName, status := fs.resolveParent(dst)
	if status != core.StatusOK {
		return status
	}

	srcParent.mu.Lock()
	node, exists := srcParent.children[srcName]
	if !exists {
		srcParent.mu.Unlock()
		return core.StatusPathNotFound
	}
	delete(srcParent.children, srcName)
	srcParent.mu.Unlock()

	dstParent.mu.Lock()
	if _, exists := dstParent.children[dstName]; exists {
		dstParent.mu.Unlock()
		return core.StatusExists
	}
	node.name = dstName
	node.parent = dstParent
	dstParent.children[dstName] = node
	dstParent.mu.Unlock()
	return core.StatusOK
}

// Link is implemented as a shallow data copy rather than a true hard link
// (this in-memory tree has no separate inode-number indirection to alias).
func (fs *MemFS) Link(src, dst string) ErrorCode {
	srcNode, status := fs.resolve(src)
	if status != core.StatusOK {
		return status
	}
	if srcNode.isDir {
		return core.StatusAccessDenied
	}
	dstParent, dstName, status := fs.resolveParent(dst)
	if status != core.StatusOK {
		return status
	}

	srcNode.mu.RLock()
	copyData := append([]byte(nil), srcNode.data...)
	srcNode.mu.RUnlock()

	dstParent.mu.Lock()
	defer dstParent.mu.Unlock()
	if _, exists := dstParent.children[dstName]; exists {
		return core.StatusExists
	}
	dstParent.children[dstName] = &inode{name: dstName, data: copyData, parent: dstParent}
	return core.StatusOK
}

func (fs *MemFS) ReadDir(h Handle) ([]Descriptor, ErrorCode) {
	of, status := fs.lookupOpen(h)
	if status != core.StatusOK {
		return nil, status
	}
	if !of.node.isDir {
		return nil, core.StatusPathIsNotDirectory
	}
	of.node.mu.RLock()
	defer of.node.mu.RUnlock()
	out := make([]Descriptor, 0, len(of.node.children))
	for _, child := range of.node.children {
		d := Descriptor{Name: child.name, Size: uint64(len(child.data))}
		if child.isDir {
			d.Type = FileTypeDirectory
		}
		out = append(out, d)
	}
	return out, core.StatusOK
}

// Flush is a no-op: MemFS has no write-back cache to synchronize.
func (fs *MemFS) Flush(h Handle) ErrorCode {
	if _, status := fs.lookupOpen(h); status != core.StatusOK {
		return status
	}
	return core.StatusOK
}

// Mount/Unmount are recorded but not dispatched to a real backing store —
// this port has exactly one in-memory filesystem, so mounting only needs
// to validate the target exists.
func (fs *MemFS) Mount(path, at, fsType string, flags uint32) ErrorCode {
	if _, status := fs.resolve(at); status != core.StatusOK {
		return status
	}
	fs.log.WithFields(logrus.Fields{"path": path, "at": at, "fsType": fsType}).Info("mount")
	return core.StatusOK
}

func (fs *MemFS) Unmount(path string) ErrorCode {
	if _, status := fs.resolve(path); status != core.StatusOK {
		return status
	}
	return core.StatusOK
}

var _ FileService = (*MemFS)(nil)
