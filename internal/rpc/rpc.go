// Package rpc implements the File/Handle boundary the core kernel
// preserves for driver processes, per spec.md §6: a closed operation set
// whose status codes and bulk-transfer convention (data moves via a
// MemoryRegion handle, never an inline byte slice) are fixed, with the
// wire encoding left unspecified. Grounded on the teacher's
// VirtualFileSystem/Inode tree (internal/runtime/kernel/filesystem.go),
// generalized from the teacher's single in-process GlobalVFS into an
// interface any transport can sit in front of.
package rpc

import (
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/mrb"
)

// ErrorCode is spec.md §6's closed status set. It is exactly core.Status's
// domain, so rpc reuses that type instead of re-declaring a parallel enum
// every caller would have to convert between.
type ErrorCode = core.Status

// Handle identifies an open file within one FileService session.
type Handle uint64

// OpenFlags mirrors the teacher's uint32 open-flags convention
// (filesystem.go's KernelOpenFile), narrowed to the subset §6 names.
type OpenFlags uint32

const (
	OpenExisting OpenFlags = 1 << iota
	OpenCreate
	OpenTruncate
	OpenAppend
)

// AccessFlags states read/write intent. MemFS.Open accepts it but does not
// check it against Descriptor permissions.
type AccessFlags uint32

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
)

// FileType mirrors the teacher's FileType enum (filesystem.go).
type FileType uint8

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
)

// Descriptor is what Stat/ReadDir return: enough metadata for a driver
// to act on a path without touching MemFS internals directly.
type Descriptor struct {
	Name   string
	Size   uint64
	Type   FileType
	Handle Handle
}

// FileService is the in-process boundary spec.md §6 fixes the semantics
// of. Read/Write move bulk data through a caller-supplied mrb.Handle
// rather than an inline []byte, matching §6's "data via MemoryRegion"
// column; everything else is a narrow synchronous RPC.
type FileService interface {
	Open(path string, options OpenFlags, access AccessFlags) (Handle, ErrorCode)
	Close(h Handle) ErrorCode
	Read(h Handle, buf mrb.Handle, offset, length uint64) (uint64, ErrorCode)
	Write(h Handle, buf mrb.Handle, offset, length uint64) (uint64, ErrorCode)
	Seek(h Handle, pos int64) ErrorCode
	Stat(h Handle) (Descriptor, ErrorCode)
	Mkdir(path string) ErrorCode
	Unlink(path string) ErrorCode
	Move(src, dst string) ErrorCode
	Link(src, dst string) ErrorCode
	ReadDir(h Handle) ([]Descriptor, ErrorCode)
	Flush(h Handle) ErrorCode
	Mount(path, at, fsType string, flags uint32) ErrorCode
	Unmount(path string) ErrorCode
}
