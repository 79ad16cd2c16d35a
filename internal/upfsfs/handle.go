package upfsfs

import (
	"context"
	"io"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/GregorR/upfs/internal/metabackend"
	"github.com/GregorR/upfs/internal/store"
)

// FileHandle is the opaque open-file token of specification §4.5/§4.3's
// state machine: Unopened -> Opened(perm_fd, store_fd, flags) -> Released.
// The permissions-side handle (meta) is nil whenever the Metadata Backend
// couldn't materialize one (e.g. a read-only open racing a missing PR
// entry); store is never nil once Open/Create succeed.
type FileHandle struct {
	fs          *FS
	path        string
	meta        metabackend.Handle
	store       store.File
	writeIntent bool
	wrote       bool
}

var (
	_ fusefs.Handle            = (*FileHandle)(nil)
	_ fusefs.HandleReader      = (*FileHandle)(nil)
	_ fusefs.HandleWriter      = (*FileHandle)(nil)
	_ fusefs.HandleFlusher     = (*FileHandle)(nil)
	_ fusefs.HandleReleaser    = (*FileHandle)(nil)
	_ fusefs.HandlePOSIXLocker = (*FileHandle)(nil)
)

// Read routes to the store descriptor with a positional pread, per
// specification §4.5.
func (h *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.store.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return errToErrno(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Write routes to the store descriptor with a positional pwrite. In Split
// mode the mtime is refreshed on the permissions side after every write;
// in PS mode that update is deferred to Release for performance.
func (h *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.store.WriteAt(req.Data, req.Offset)
	if err != nil {
		return errToErrno(err)
	}
	resp.Size = n
	h.wrote = true

	if !h.fs.PSMode && h.meta != nil {
		if ferr := h.fs.Meta.Futimens(h.meta, now()); ferr != nil {
			return errToErrno(ferr)
		}
	}
	return nil
}

// Flush probes the store descriptor by issuing a Sync on it; no
// descriptor is duplicated, and the real handle is never closed.
func (h *FileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	if err := h.store.Sync(); err != nil {
		return errToErrno(err)
	}
	return nil
}

// Release closes both descriptors. In PS mode, a deferred mtime update
// for any write that happened during this handle's lifetime happens here.
func (h *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	var ferr error
	if h.fs.PSMode && h.wrote && h.meta != nil {
		ferr = h.fs.Meta.Futimens(h.meta, now())
	}
	var merr error
	if h.meta != nil {
		merr = h.meta.Close()
	}
	serr := h.store.Close()

	switch {
	case ferr != nil:
		return errToErrno(ferr)
	case serr != nil:
		return errToErrno(serr)
	case merr != nil:
		return errToErrno(merr)
	}
	return nil
}

// lockIsExclusive reports whether lk asks for a write (exclusive) lock as
// opposed to a read (shared) one.
func lockIsExclusive(lk fuse.FileLock) bool {
	return lk.Type == syscall.F_WRLCK
}

// Lock, LockWait, Unlock and QueryLock implement the lock recipe of
// specification §4.5 ("delegate host advisory lock calls to the SR
// descriptor"): every POSIX lock request is forwarded to the store
// descriptor's whole-file advisory lock, per specification §3/§5's SR
// locking model. The store interface only offers a single whole-file
// lock, not byte-range locks, so Start/End are accepted but not honored
// separately: a lock on any range locks the whole file, matching how the
// sidecar table's own locking already treats a file as one unit.
func (h *FileHandle) Lock(ctx context.Context, req *fuse.LockRequest) error {
	return errToErrno(h.store.Lock(lockIsExclusive(req.Lk)))
}

// LockWait is identical to Lock: the store backend's Lock has no
// non-blocking mode, so a supposedly non-blocking Lock already waits.
func (h *FileHandle) LockWait(ctx context.Context, req *fuse.LockRequest) error {
	return errToErrno(h.store.Lock(lockIsExclusive(req.Lk)))
}

func (h *FileHandle) Unlock(ctx context.Context, req *fuse.UnlockRequest) error {
	return errToErrno(h.store.Unlock())
}

// QueryLock always reports no conflicting lock: the engine keeps no
// process-wide lock-owner table to check req.Lk against, so a caller
// asking "would this lock conflict" never sees a real answer here. This
// is a known gap, not a silent one: nothing downstream relies on
// QueryLock reporting a true conflict.
func (h *FileHandle) QueryLock(ctx context.Context, req *fuse.LockRequest, resp *fuse.LockResponse) error {
	resp.Lk = fuse.FileLock{Type: syscall.F_UNLCK}
	return nil
}
