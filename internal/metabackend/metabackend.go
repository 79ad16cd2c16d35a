// Package metabackend abstracts "where does the mode/uid/gid/time of a
// guest path come from": either the permissions root's native inodes
// (Split mode) or a directory's sidecar table (PS mode). The VFS Adapter
// drives one implementation through this interface without knowing which.
package metabackend

import "time"

// Caller carries the guest identity an operation should be impersonated
// as, for the operations the Impersonation Layer brackets.
type Caller struct {
	UID, GID uint32
	Umask    uint32
}

// Attr is the uniform metadata record both backends produce and consume.
// Mode includes the S_IFMT type bits (ModeDir/ModeReg/ModeSymlink from
// package sidecar) plus the low 12 permission bits.
type Attr struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Mtime time.Time
	Ctime time.Time
}

// Handle is an opaque per-backend open-file token, used only to make a
// later Futimens call land on the same record an Open returned.
type Handle interface {
	Close() error
}

// Backend is the uniform metadata operation set from specification §4.3.
// All paths are relative to the backend's notion of root (PR in Split
// mode, the single root in PS mode).
type Backend interface {
	// Stat returns the metadata for path, or a NotFound error.
	Stat(caller Caller, path string) (Attr, error)

	// Mknod creates a regular-file (or device-shaped) entry at path with
	// the given initial attr. AlreadyExists if it's already there.
	Mknod(caller Caller, path string, attr Attr) error

	// Mkdir creates a directory entry at path.
	Mkdir(caller Caller, path string, attr Attr) error

	// Unlink removes the entry at path. removeDir permits removing a
	// directory-typed entry (used by rmdir); otherwise a directory entry
	// is refused with IsADirectory.
	Unlink(caller Caller, path string, removeDir bool) error

	// Chmod sets the low 12 mode bits. If preserveType is true (the
	// "ordinary" variant) the S_IFMT bits are kept from the existing
	// entry; otherwise (the "harder" variant, used by PS symlink
	// creation) mode's type bits replace them outright.
	Chmod(caller Caller, path string, mode uint32, preserveType bool) error

	// Chown sets uid/gid and bumps ctime.
	Chown(caller Caller, path string, uid, gid uint32) error

	// Rename moves the metadata record for oldPath to newPath.
	Rename(caller Caller, oldPath, newPath string) error

	// Open returns a Handle positioned at path's metadata record, for a
	// later Futimens call. The returned Handle must be closed by the
	// caller.
	Open(caller Caller, path string, attr Attr) (Handle, error)

	// Utimens sets mtime (and bumps ctime) for path directly.
	Utimens(caller Caller, path string, mtime time.Time) error

	// Futimens re-resolves h's record and updates its mtime. Per
	// specification §4.3/§9, PS-mode handles are subject to a known
	// free/realloc race; this is accepted, not fixed.
	Futimens(h Handle, mtime time.Time) error

	// Symlinkat creates a symlink-typed entry at linkPath. In Split mode
	// this is a native host symlink; in PS mode it's an entry plus a
	// store-side content file holding the target (written by the VFS
	// Adapter, not this call).
	Symlinkat(caller Caller, target, linkPath string) error

	// Readlinkat reads the symlink target. In Split mode from the host
	// symlink directly; PS mode callers read the target bytes from the
	// store side themselves after confirming the type bit here.
	Readlinkat(caller Caller, path string) (string, error)
}
