package metabackend

import (
	"os"
	"time"

	"github.com/GregorR/upfs/internal/impersonate"
	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
	"github.com/GregorR/upfs/internal/upfserr"
)

// Split is the Metadata Backend for Split mode: every operation is a
// one-to-one wrapper over the permissions root, bracketed by the
// Impersonation Layer so host permission checks see the guest caller's
// identity rather than the mount process's. See specification §4.3.
type Split struct {
	pr store.Backend
}

// NewSplit returns a Backend delegating to pr, the permissions root.
func NewSplit(pr store.Backend) *Split {
	return &Split{pr: pr}
}

func identity(c Caller) impersonate.Identity {
	return impersonate.Identity{UID: c.UID, GID: c.GID, Umask: c.Umask}
}

const (
	rawSetuid = 0o4000
	rawSetgid = 0o2000
	rawSticky = 0o1000
)

// unixPermToFileMode translates the engine's raw 12-bit permission field
// (setuid/setgid/sticky + rwx triplets) into the distinct bit positions
// os.FileMode uses for the same concepts.
func unixPermToFileMode(raw uint32) os.FileMode {
	fm := os.FileMode(raw & 0o777)
	if raw&rawSetuid != 0 {
		fm |= os.ModeSetuid
	}
	if raw&rawSetgid != 0 {
		fm |= os.ModeSetgid
	}
	if raw&rawSticky != 0 {
		fm |= os.ModeSticky
	}
	return fm
}

func fileModeToUnixPerm(fm os.FileMode) uint32 {
	raw := uint32(fm.Perm())
	if fm&os.ModeSetuid != 0 {
		raw |= rawSetuid
	}
	if fm&os.ModeSetgid != 0 {
		raw |= rawSetgid
	}
	if fm&os.ModeSticky != 0 {
		raw |= rawSticky
	}
	return raw
}

func toEngineMode(fi store.FileInfo) uint32 {
	perm := fileModeToUnixPerm(fi.Mode)
	switch {
	case fi.Mode&os.ModeSymlink != 0:
		return sidecar.ModeSymlink | perm
	case fi.IsDir:
		return sidecar.ModeDir | perm
	default:
		return sidecar.ModeReg | perm
	}
}

func toAttr(fi store.FileInfo) Attr {
	return Attr{
		Mode:  toEngineMode(fi),
		UID:   fi.UID,
		GID:   fi.GID,
		Mtime: fi.ModTime,
		Ctime: fi.CTime,
	}
}

func (s *Split) Stat(caller Caller, path string) (Attr, error) {
	var attr Attr
	err := impersonate.Do(identity(caller), func() error {
		fi, err := s.pr.Lstat(path)
		if err != nil {
			return upfserr.FromHost(err)
		}
		attr = toAttr(fi)
		return nil
	})
	return attr, err
}

func (s *Split) Mknod(caller Caller, path string, attr Attr) error {
	return impersonate.Do(identity(caller), func() error {
		mode := unixPermToFileMode(attr.Mode & sidecar.ModePerm)
		f, err := s.pr.OpenFile(path, store.OCreate|store.OExcl|store.OReadWrite, mode)
		if err != nil {
			return upfserr.FromHost(err)
		}
		return f.Close()
	})
}

func (s *Split) Mkdir(caller Caller, path string, attr Attr) error {
	return impersonate.Do(identity(caller), func() error {
		mode := unixPermToFileMode(attr.Mode & sidecar.ModePerm)
		if err := s.pr.Mkdir(path, mode); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

func (s *Split) Unlink(caller Caller, path string, removeDir bool) error {
	return impersonate.Do(identity(caller), func() error {
		fi, err := s.pr.Lstat(path)
		if err != nil {
			return upfserr.FromHost(err)
		}
		if fi.IsDir && !removeDir {
			return upfserr.New(upfserr.IsADirectory, "unlink: %s is a directory", path)
		}
		if !fi.IsDir && removeDir {
			return upfserr.New(upfserr.NotADirectory, "rmdir: %s is not a directory", path)
		}
		if err := s.pr.Remove(path); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

func (s *Split) Chmod(caller Caller, path string, mode uint32, preserveType bool) error {
	// preserveType is moot on PR: the host inode's type bits are never
	// rewritten by chmod(2), so both the "ordinary" and "harder" variants
	// from the specification collapse to the same host call here. The PS
	// backend is where the distinction has teeth.
	return impersonate.Do(identity(caller), func() error {
		perm := unixPermToFileMode(mode & sidecar.ModePerm)
		if err := s.pr.Chmod(path, perm); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

func (s *Split) Chown(caller Caller, path string, uid, gid uint32) error {
	return impersonate.Do(identity(caller), func() error {
		if err := s.pr.Lchown(path, int(uid), int(gid)); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

func (s *Split) Rename(caller Caller, oldPath, newPath string) error {
	return impersonate.Do(identity(caller), func() error {
		if err := s.pr.Rename(oldPath, newPath); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

// splitHandle pairs the open PR descriptor with the path it was opened
// from, so a later Futimens can update that same path's mtime without
// the engine needing a *at-relative fd-plus-empty-name trick.
type splitHandle struct {
	pr   store.Backend
	path string
	f    store.File
}

func (h *splitHandle) Close() error { return h.f.Close() }

func (s *Split) Open(caller Caller, path string, attr Attr) (Handle, error) {
	var h *splitHandle
	err := impersonate.Do(identity(caller), func() error {
		mode := unixPermToFileMode(attr.Mode & sidecar.ModePerm)
		f, err := s.pr.OpenFile(path, store.OReadWrite, mode)
		if err != nil {
			return upfserr.FromHost(err)
		}
		h = &splitHandle{pr: s.pr, path: path, f: f}
		return nil
	})
	return h, err
}

func (s *Split) Utimens(caller Caller, path string, mtime time.Time) error {
	return impersonate.Do(identity(caller), func() error {
		if err := s.pr.Utimens(path, mtime, mtime); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

func (s *Split) Futimens(h Handle, mtime time.Time) error {
	sh, ok := h.(*splitHandle)
	if !ok {
		return upfserr.New(upfserr.IO, "futimens: handle is not a Split handle")
	}
	if err := sh.pr.Utimens(sh.path, mtime, mtime); err != nil {
		return upfserr.FromHost(err)
	}
	return nil
}

func (s *Split) Symlinkat(caller Caller, target, linkPath string) error {
	return impersonate.Do(identity(caller), func() error {
		if err := s.pr.Symlink(target, linkPath); err != nil {
			return upfserr.FromHost(err)
		}
		return nil
	})
}

func (s *Split) Readlinkat(caller Caller, path string) (string, error) {
	var target string
	err := impersonate.Do(identity(caller), func() error {
		t, err := s.pr.Readlink(path)
		if err != nil {
			return upfserr.FromHost(err)
		}
		target = t
		return nil
	})
	return target, err
}

var _ Backend = (*Split)(nil)
