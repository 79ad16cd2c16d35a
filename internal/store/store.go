// Package store abstracts the host I/O that backs SR (Split mode) or the
// single root (PS mode): byte-level file access, directory listing, and
// advisory whole-file locking. It exists so the engine's data path — and
// the sidecar table's locking discipline — can run unmodified against a
// local directory tree or a networked store.
package store

import (
	"io"
	"os"
	"time"
)

// FileInfo mirrors the subset of os.FileInfo the engine needs, so the SFTP
// backend doesn't have to fake an os.FileInfo.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	CTime   time.Time
	IsDir   bool
	UID     uint32
	GID     uint32
	// HasOwner is false on backends that can't report a native uid/gid
	// (e.g. SFTP servers that don't forward stat's owner fields), so
	// callers can tell "owned by uid 0" from "unknown."
	HasOwner bool
}

// File is an open handle on the backend. Implementations must support
// concurrent Read/Write at independent offsets from unrelated handles; a
// single handle is only ever used by one engine goroutine at a time.
type File interface {
	io.Closer
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Stat() (FileInfo, error)
	Sync() error

	// Lock acquires the backend's advisory whole-file lock. Shared locks
	// may be held by multiple readers; an exclusive lock excludes all
	// others. Backends that cannot offer real advisory locking (e.g. a
	// plain SFTP server) must still serialize callers correctly from
	// within the process, and document that cross-process mutual
	// exclusion is not provided.
	Lock(exclusive bool) error
	Unlock() error
}

// OpenFlag mirrors the handful of os.O_* flags the engine actually uses,
// kept as a distinct type so backends never need to import syscall-level
// constants from the standard library's os package by accident.
type OpenFlag int

const (
	OCreate OpenFlag = 1 << iota
	OExcl
	OTrunc
	OReadWrite
	OReadOnly
)

// Backend is the host I/O surface the engine drives. All paths are
// relative to the backend's root (SR, or the PS single root).
type Backend interface {
	OpenFile(path string, flags OpenFlag, mode os.FileMode) (File, error)
	Mkdir(path string, mode os.FileMode) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	ReadDir(path string) ([]FileInfo, error)
	Stat(path string) (FileInfo, error)
	Lstat(path string) (FileInfo, error)
	Symlink(target, linkPath string) error
	Readlink(path string) (string, error)

	// Chmod, Lchown and Utimens apply directly to path's native metadata,
	// used by the Split Metadata Backend's one-to-one *at wrappers over
	// the permissions root. Lchown never follows a terminal symlink, per
	// the specification's AT_SYMLINK_NOFOLLOW requirement.
	Chmod(path string, mode os.FileMode) error
	Lchown(path string, uid, gid int) error
	Utimens(path string, atime, mtime time.Time) error

	// Statfs reports coarse free-space figures for the `statfs` VFS
	// operation. Backends that cannot determine this (e.g. SFTP) return
	// a zero-valued StatfsResult.
	Statfs(path string) (StatfsResult, error)

	// Root returns a short, backend-specific description, used only in
	// log messages and error text.
	Root() string
}

// StatfsResult is the subset of statfs(2) the VFS Adapter surfaces.
type StatfsResult struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint32
}
