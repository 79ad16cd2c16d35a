// Package upfsfs is the VFS Adapter: it composes the Path Resolver,
// Metadata Backend, and Store Backend into the set of guest filesystem
// operations bazil.org/fuse delivers, following the per-operation
// recipes of specification §4.5.
package upfsfs

import (
	"context"
	"os"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/GregorR/upfs/internal/metabackend"
	"github.com/GregorR/upfs/internal/pathresolve"
	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
)

// FS is the mounted filesystem's root object, handed to fusefs.Serve.
type FS struct {
	Meta     metabackend.Backend
	Store    store.Backend
	Resolve  *pathresolve.Resolver
	PSMode   bool // true selects the PS-mode recipes (§4.5's "in PS mode" branches)
	Decap    bool // carried from the mount options; no recipe in this package reads it, so lookups stay case-sensitive
	Debug    func(format string, args ...interface{})
}

func (f *FS) logf(format string, args ...interface{}) {
	if f.Debug != nil {
		f.Debug(format, args...)
	}
}

// Root returns the node for the guest root directory.
func (f *FS) Root() (fusefs.Node, error) {
	return Node{fs: f, path: "/"}, nil
}

var _ fusefs.FS = (*FS)(nil)
var _ fusefs.FSStatfser = (*FS)(nil)

// Statfs delegates to the Store Backend, per specification §4.5.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	sr, err := f.Store.Statfs("/")
	if err != nil {
		return errToErrno(err)
	}
	resp.Blocks = sr.Blocks
	resp.Bfree = sr.BlocksFree
	resp.Bavail = sr.BlocksFree
	resp.Files = sr.Files
	resp.Ffree = sr.FilesFree
	resp.Bsize = sr.BlockSize
	resp.Namelen = sr.NameLen
	resp.Frsize = sr.BlockSize
	return nil
}

func callerFromHeader(h fuse.Header, umask uint32) metabackend.Caller {
	return metabackend.Caller{UID: h.Uid, GID: h.Gid, Umask: umask}
}

// rootCaller is used where no guest request header is available (the
// bare Attr callback bazil.org/fuse requires every Node to implement).
func rootCaller() metabackend.Caller {
	return metabackend.Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
}

// modeToFileMode translates the engine's raw S_IFMT+perm mode field into
// the os.FileMode bits fuse.Attr expects.
func modeToFileMode(mode uint32) os.FileMode {
	perm := os.FileMode(mode & sidecar.ModePerm & 0o777)
	switch mode & sidecar.ModeFmt {
	case sidecar.ModeDir:
		return os.ModeDir | perm
	case sidecar.ModeSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

// statResult is the merged outcome of the getattr recipe: metadata from
// the Metadata Backend overlaid with size/block accounting from the
// Store Backend.
type statResult struct {
	attr     metabackend.Attr
	haveMeta bool
	store    store.FileInfo
	haveFI   bool
}

func (s statResult) isSymlink() bool {
	return s.haveMeta && s.attr.Mode&sidecar.ModeFmt == sidecar.ModeSymlink
}

func (s statResult) isDir() bool {
	if s.haveMeta {
		return s.attr.Mode&sidecar.ModeFmt == sidecar.ModeDir
	}
	return s.haveFI && s.store.IsDir
}

func (s statResult) toFuseAttr(out *fuse.Attr) {
	*out = fuse.Attr{}
	if s.haveMeta {
		out.Mode = modeToFileMode(s.attr.Mode)
		out.Uid = s.attr.UID
		out.Gid = s.attr.GID
		out.Mtime = s.attr.Mtime
		out.Ctime = s.attr.Ctime
	} else if s.haveFI {
		out.Mode = s.store.Mode
		if s.store.HasOwner {
			out.Uid = s.store.UID
			out.Gid = s.store.GID
		}
		out.Mtime = s.store.ModTime
		out.Ctime = s.store.CTime
	}
	if s.haveFI && !s.store.IsDir && out.Mode&os.ModeSymlink == 0 {
		out.Size = uint64(s.store.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	out.Nlink = 1
	if out.Mode&os.ModeDir != 0 {
		out.Nlink = 2
	}
}

// statPath implements the getattr recipe from specification §4.5: stat
// the permissions side first; if present and non-symlink, overlay
// size/block fields from the store side; if the permissions side says
// NotFound, fall back to a plain store stat.
func (f *FS) statPath(caller metabackend.Caller, guestPath string) (statResult, error) {
	permPath, storePath := f.Resolve.Resolve(guestPath)

	attr, err := f.Meta.Stat(caller, permPath)
	if err == nil {
		res := statResult{attr: attr, haveMeta: true}
		if attr.Mode&sidecar.ModeFmt != sidecar.ModeSymlink {
			if fi, ferr := f.Store.Lstat(storePath); ferr == nil {
				res.store = fi
				res.haveFI = true
			}
		}
		return res, nil
	}

	fi, ferr := f.Store.Lstat(storePath)
	if ferr != nil {
		return statResult{}, err
	}
	return statResult{store: fi, haveFI: true}, nil
}

func (f *FS) exists(caller metabackend.Caller, guestPath string) bool {
	_, err := f.statPath(caller, guestPath)
	return err == nil
}

// materialize creates a neutral-permission PR/sidecar entry over an
// SR-only file, per specification §4.5's `mkfull` references (used by
// chmod/chown/utimens when the permissions side is missing an entry
// that the store side already has).
func (f *FS) materialize(caller metabackend.Caller, guestPath string, fi store.FileInfo) error {
	permPath, _ := f.Resolve.Resolve(guestPath)
	mode := sidecar.ModeReg | 0o600
	if fi.IsDir {
		mode = sidecar.ModeDir | 0o700
	}
	attr := metabackend.Attr{Mode: uint32(mode), UID: caller.UID, GID: caller.GID, Mtime: fi.ModTime, Ctime: fi.ModTime}
	if fi.IsDir {
		return f.Meta.Mkdir(caller, permPath, attr)
	}
	return f.Meta.Mknod(caller, permPath, attr)
}

func now() time.Time { return time.Now() }
