package upfsfs

import (
	"context"
	"os"
	pathpkg "path"
	"strings"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/GregorR/upfs/internal/metabackend"
	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
	"github.com/GregorR/upfs/internal/upfserr"
)

// Node is one guest path. It carries no cached state; every callback
// re-resolves and re-stats, matching the specification's "no global
// engine lock" concurrency model (§5).
type Node struct {
	fs   *FS
	path string
}

var (
	_ fusefs.Node                = Node{}
	_ fusefs.NodeGetattrer       = Node{}
	_ fusefs.NodeSetattrer       = Node{}
	_ fusefs.NodeRequestLookuper = Node{}
	_ fusefs.NodeMkdirer         = Node{}
	_ fusefs.NodeMknoder         = Node{}
	_ fusefs.NodeCreater         = Node{}
	_ fusefs.NodeRemover         = Node{}
	_ fusefs.NodeRenamer         = Node{}
	_ fusefs.NodeSymlinker       = Node{}
	_ fusefs.NodeReadlinker      = Node{}
	_ fusefs.NodeAccesser        = Node{}
	_ fusefs.NodeOpener          = Node{}
	_ fusefs.HandleReadDirAller  = Node{}
	_ fusefs.NodeFsyncer         = Node{}
)

func child(parent, name string) string {
	return pathpkg.Join(parent, name)
}

// mkdirPermParents creates any PR-side ancestor directories of dir that
// don't already exist, outermost first, tolerating a concurrent creator
// winning the race on any one of them.
func (n Node) mkdirPermParents(caller metabackend.Caller, dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	if _, err := n.fs.Meta.Stat(caller, dir); err == nil {
		return nil
	}
	if err := n.mkdirPermParents(caller, pathpkg.Dir(dir)); err != nil {
		return err
	}
	attr := metabackend.Attr{Mode: sidecar.ModeDir | 0o700, UID: caller.UID, GID: caller.GID}
	if err := n.fs.Meta.Mkdir(caller, dir, attr); err != nil && !upfserr.IsExist(upfserr.FromHost(err)) {
		return err
	}
	return nil
}

// retryAfterMkdirParents runs op once; if it fails because permPath's PR
// parent directory doesn't exist, it mkdir_p's permPath's parent chain and
// retries op exactly once, per specification §4.5/§7's rule that ENOENT on
// symlink/rename triggers a single mkdir_p-then-retry rather than a
// repeated or unbounded retry loop.
func (n Node) retryAfterMkdirParents(caller metabackend.Caller, permPath string, op func() error) error {
	err := op()
	if err == nil || !upfserr.IsNotFound(upfserr.FromHost(err)) {
		return err
	}
	if merr := n.mkdirPermParents(caller, pathpkg.Dir(permPath)); merr != nil {
		return err
	}
	return op()
}

func errToErrno(err error) error {
	if err == nil {
		return nil
	}
	return upfserr.ToErrno(upfserr.FromHost(err))
}

// Attr satisfies the mandatory fs.Node interface. Real guest traffic
// goes through Getattr, which has access to the caller's identity; this
// bare form is only exercised by bazil.org/fuse's own bookkeeping (e.g.
// populating a Lookup response's cached attr), so it stats as the mount
// owner.
func (n Node) Attr(ctx context.Context, a *fuse.Attr) error {
	res, err := n.fs.statPath(rootCaller(), n.path)
	if err != nil {
		return errToErrno(err)
	}
	res.toFuseAttr(a)
	return nil
}

func (n Node) Getattr(ctx context.Context, req *fuse.GetattrRequest, resp *fuse.GetattrResponse) error {
	caller := callerFromHeader(req.Header, 0)
	res, err := n.fs.statPath(caller, n.path)
	if err != nil {
		return errToErrno(err)
	}
	res.toFuseAttr(&resp.Attr)
	return nil
}

func (n Node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	caller := callerFromHeader(req.Header, 0)
	permPath, storePath := n.fs.Resolve.Resolve(n.path)

	if !n.fs.PSMode {
		target, err := n.fs.Meta.Readlinkat(caller, permPath)
		if err != nil {
			return "", errToErrno(err)
		}
		return target, nil
	}

	attr, err := n.fs.Meta.Stat(caller, permPath)
	if err != nil {
		return "", errToErrno(err)
	}
	if attr.Mode&sidecar.ModeFmt != sidecar.ModeSymlink {
		return "", fuse.Errno(syscall.EINVAL)
	}
	f, err := n.fs.Store.OpenFile(storePath, store.OReadOnly, 0)
	if err != nil {
		return "", errToErrno(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", errToErrno(err)
	}
	buf := make([]byte, fi.Size)
	if _, err := f.ReadAt(buf, 0); err != nil && fi.Size > 0 {
		return "", errToErrno(err)
	}
	return string(buf), nil
}

func (n Node) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fusefs.Node, error) {
	caller := callerFromHeader(req.Header, 0)
	childPath := child(n.path, req.Name)
	if _, err := n.fs.statPath(caller, childPath); err != nil {
		return nil, fuse.ENOENT
	}
	return Node{fs: n.fs, path: childPath}, nil
}

// ReadDirAll implements the readdir recipe (specification §4.5): list
// the store side (the authoritative directory structure), skip the
// sidecar filename in PS mode, invert any FAT mangling for presentation,
// and stat each entry through the merged PR-first recipe (the same one
// Getattr uses) so its reported Type reflects the permissions side's
// notion of the entry's type rather than just what the store side holds
// on disk — every symlink this engine creates materializes its SR/store
// counterpart as a plain regular file, so a store-only Mode check would
// always report DT_File for a symlink.
func (n Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	caller := rootCaller()
	_, storePath := n.fs.Resolve.Resolve(n.path)
	entries, err := n.fs.Store.ReadDir(storePath)
	if err != nil {
		return nil, errToErrno(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		if n.fs.PSMode && e.Name == sidecar.Name {
			continue
		}
		name := n.fs.Resolve.UnmangleStore(e.Name)
		typ := fuse.DT_File
		if res, serr := n.fs.statPath(caller, child(n.path, name)); serr == nil {
			switch {
			case res.isDir():
				typ = fuse.DT_Dir
			case res.isSymlink():
				typ = fuse.DT_Link
			}
		} else if e.IsDir {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: name, Type: typ})
	}
	return out, nil
}

func (n Node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	caller := callerFromHeader(req.Header, 0)
	childPath := child(n.path, req.Name)
	permPath, storePath := n.fs.Resolve.Resolve(childPath)

	caller.Umask = uint32(req.Umask.Perm())
	attr := metabackend.Attr{Mode: sidecar.ModeDir | uint32(req.Mode.Perm()), UID: caller.UID, GID: caller.GID}
	if err := n.fs.Meta.Mkdir(caller, permPath, attr); err != nil {
		return nil, errToErrno(err)
	}
	if err := n.fs.Store.Mkdir(storePath, 0o700); err != nil {
		return nil, errToErrno(err)
	}
	return Node{fs: n.fs, path: childPath}, nil
}

func (n Node) Mknod(ctx context.Context, req *fuse.MknodRequest) (fusefs.Node, error) {
	caller := callerFromHeader(req.Header, 0)
	if req.Mode&os.ModeType != 0 && req.Mode&os.ModeType != os.ModeDir {
		return nil, upfserr.ToErrno(upfserr.New(upfserr.Unsupported, "mknod: unsupported mode %v", req.Mode))
	}
	caller.Umask = uint32(req.Umask.Perm())
	childPath := child(n.path, req.Name)
	permPath, storePath := n.fs.Resolve.Resolve(childPath)

	attr := metabackend.Attr{Mode: sidecar.ModeReg | uint32(req.Mode.Perm()), UID: caller.UID, GID: caller.GID}
	if err := n.fs.Meta.Mknod(caller, permPath, attr); err != nil {
		return nil, errToErrno(err)
	}
	f, err := n.fs.Store.OpenFile(storePath, store.OCreate|store.OExcl|store.OReadWrite, 0o600)
	if err != nil {
		return nil, errToErrno(err)
	}
	f.Close()
	return Node{fs: n.fs, path: childPath}, nil
}

func (n Node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	caller := callerFromHeader(req.Header, 0)
	caller.Umask = uint32(req.Umask.Perm())
	childPath := child(n.path, req.Name)
	permPath, storePath := n.fs.Resolve.Resolve(childPath)

	attr := metabackend.Attr{Mode: sidecar.ModeReg | uint32(req.Mode.Perm()), UID: caller.UID, GID: caller.GID}
	if err := n.fs.Meta.Mknod(caller, permPath, attr); err != nil {
		return nil, nil, errToErrno(err)
	}
	sf, err := n.fs.Store.OpenFile(storePath, store.OCreate|store.OExcl|store.OReadWrite, 0o600)
	if err != nil {
		return nil, nil, errToErrno(err)
	}
	mh, err := n.fs.Meta.Open(caller, permPath, attr)
	if err != nil {
		sf.Close()
		return nil, nil, errToErrno(err)
	}
	h := &FileHandle{fs: n.fs, path: childPath, meta: mh, store: sf, writeIntent: true}
	return Node{fs: n.fs, path: childPath}, h, nil
}

func (n Node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	caller := callerFromHeader(req.Header, 0)
	childPath := child(n.path, req.Name)
	permPath, storePath := n.fs.Resolve.Resolve(childPath)

	if n.fs.PSMode && req.Dir {
		if err := sidecar.UnlinkIfEmpty(n.fs.Store, storePath); err != nil {
			return errToErrno(err)
		}
	}

	serr := n.fs.Store.Remove(storePath)
	if serr != nil && !os.IsNotExist(serr) {
		return errToErrno(serr)
	}
	merr := n.fs.Meta.Unlink(caller, permPath, req.Dir)
	if merr != nil && !upfserr.IsNotFound(upfserr.FromHost(merr)) {
		return errToErrno(merr)
	}
	if serr != nil && merr != nil {
		return fuse.ENOENT
	}
	return nil
}

// Rename implements the rename recipe of specification §4.5: in Split
// mode, a placeholder is reserved on PR at the target before either tree
// is touched, so a crash mid-rename leaves a detectable, inert entry
// rather than a silently missing one. PS mode delegates the metadata
// move to the Metadata Backend's own same/cross-directory handling.
func (n Node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	caller := callerFromHeader(req.Header, 0)
	nd, ok := newDir.(Node)
	if !ok {
		return fuse.Errno(syscall.EIO)
	}
	oldGuest := child(n.path, req.OldName)
	newGuest := child(nd.path, req.NewName)
	oldPerm, oldStore := n.fs.Resolve.Resolve(oldGuest)
	newPerm, newStore := n.fs.Resolve.Resolve(newGuest)

	if oldStore == newStore {
		return nil
	}

	if n.fs.PSMode {
		if err := n.fs.Meta.Rename(caller, oldPerm, newPerm); err != nil {
			return errToErrno(err)
		}
		if err := n.fs.Store.Rename(oldStore, newStore); err != nil {
			return errToErrno(err)
		}
		return nil
	}

	srcAttr, err := n.fs.Meta.Stat(caller, oldPerm)
	if err != nil {
		// No PR entry for the source: a plain store-only rename is all
		// there is to move.
		if err := n.fs.Store.Rename(oldStore, newStore); err != nil {
			return errToErrno(err)
		}
		return nil
	}

	placeholderMode := sidecar.ModeReg
	if srcAttr.Mode&sidecar.ModeFmt == sidecar.ModeDir {
		placeholderMode = sidecar.ModeDir
	}

	placeholderCreated := false
	if dstAttr, derr := n.fs.Meta.Stat(caller, newPerm); derr == nil {
		if dstAttr.Mode&sidecar.ModeFmt == sidecar.ModeSymlink {
			return upfserr.ToErrno(upfserr.New(upfserr.NotPermitted, "rename: refusing to replace a symlink target"))
		}
		if err := n.fs.Meta.Chmod(caller, newPerm, 0, true); err != nil {
			return errToErrno(err)
		}
	} else {
		create := func() error {
			if placeholderMode == sidecar.ModeDir {
				return n.fs.Meta.Mkdir(caller, newPerm, metabackend.Attr{Mode: uint32(placeholderMode)})
			}
			return n.fs.Meta.Mknod(caller, newPerm, metabackend.Attr{Mode: uint32(placeholderMode)})
		}
		if merr := n.retryAfterMkdirParents(caller, newPerm, create); merr != nil {
			return errToErrno(merr)
		}
		placeholderCreated = true
	}

	rollback := func() {
		if placeholderCreated {
			n.fs.Meta.Unlink(caller, newPerm, placeholderMode == sidecar.ModeDir)
		}
	}

	if err := n.fs.Store.Rename(oldStore, newStore); err != nil {
		rollback()
		return errToErrno(err)
	}
	if err := n.fs.Meta.Rename(caller, oldPerm, newPerm); err != nil {
		rollback()
		return errToErrno(err)
	}
	return nil
}

func (n Node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	caller := callerFromHeader(req.Header, 0)
	childPath := child(n.path, req.NewName)

	if strings.EqualFold(req.Target, req.NewName) && req.Target != req.NewName {
		// Pure case-rename self-symlink: a documented no-op (specification
		// §4.5, §8 property 5).
		return Node{fs: n.fs, path: childPath}, nil
	}

	permPath, storePath := n.fs.Resolve.Resolve(childPath)

	if !n.fs.PSMode {
		create := func() error { return n.fs.Meta.Symlinkat(caller, req.Target, permPath) }
		if err := n.retryAfterMkdirParents(caller, permPath, create); err != nil {
			return nil, errToErrno(err)
		}
		f, err := n.fs.Store.OpenFile(storePath, store.OCreate|store.OExcl|store.OReadWrite, 0o600)
		if err != nil {
			return nil, errToErrno(err)
		}
		f.Close()
		return Node{fs: n.fs, path: childPath}, nil
	}

	attr := metabackend.Attr{Mode: sidecar.ModeReg | 0o644, UID: caller.UID, GID: caller.GID}
	if err := n.fs.Meta.Mknod(caller, permPath, attr); err != nil {
		return nil, errToErrno(err)
	}
	f, err := n.fs.Store.OpenFile(storePath, store.OCreate|store.OExcl|store.OReadWrite, 0o600)
	if err != nil {
		return nil, errToErrno(err)
	}
	if _, err := f.WriteAt([]byte(req.Target), 0); err != nil {
		f.Close()
		return nil, errToErrno(err)
	}
	f.Close()
	if err := n.fs.Meta.Chmod(caller, permPath, uint32(sidecar.ModeSymlink|0o644), false); err != nil {
		return nil, errToErrno(err)
	}
	return Node{fs: n.fs, path: childPath}, nil
}

func (n Node) Access(ctx context.Context, req *fuse.AccessRequest) error {
	caller := callerFromHeader(req.Header, 0)
	permPath, storePath := n.fs.Resolve.Resolve(n.path)

	if !n.fs.PSMode {
		if _, err := n.fs.Meta.Stat(caller, permPath); err != nil {
			return errToErrno(err)
		}
	}
	if _, err := n.fs.Store.Stat(storePath); err != nil {
		return errToErrno(err)
	}
	return nil
}

func (n Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	caller := callerFromHeader(req.Header, 0)
	permPath, storePath := n.fs.Resolve.Resolve(n.path)

	writeIntent := req.Flags.IsWriteOnly() || req.Flags.IsReadWrite()

	var mh metabackend.Handle
	if attr, err := n.fs.Meta.Stat(caller, permPath); err == nil {
		h, err := n.fs.Meta.Open(caller, permPath, attr)
		if err != nil {
			return nil, errToErrno(err)
		}
		mh = h
	} else if writeIntent {
		if fi, serr := n.fs.Store.Stat(storePath); serr == nil {
			if merr := n.fs.materialize(caller, n.path, fi); merr == nil {
				if h, oerr := n.fs.Meta.Open(caller, permPath, metabackend.Attr{}); oerr == nil {
					mh = h
				}
			}
		}
	}

	sf, err := n.fs.Store.OpenFile(storePath, store.OReadWrite, 0o600)
	if err != nil {
		if mh != nil {
			mh.Close()
		}
		return nil, errToErrno(err)
	}
	return &FileHandle{fs: n.fs, path: n.path, meta: mh, store: sf, writeIntent: writeIntent}, nil
}

func (n Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	caller := callerFromHeader(req.Header, 0)
	permPath, storePath := n.fs.Resolve.Resolve(n.path)

	ensure := func() error {
		if _, err := n.fs.Meta.Stat(caller, permPath); err == nil {
			return nil
		}
		fi, err := n.fs.Store.Stat(storePath)
		if err != nil {
			return err
		}
		return n.fs.materialize(caller, n.path, fi)
	}

	if req.Valid.Mode() {
		if err := ensure(); err != nil {
			return errToErrno(err)
		}
		if err := n.fs.Meta.Chmod(caller, permPath, uint32(req.Mode.Perm()), true); err != nil {
			return errToErrno(err)
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		if err := ensure(); err != nil {
			return errToErrno(err)
		}
		if err := n.fs.Meta.Chown(caller, permPath, req.Uid, req.Gid); err != nil {
			return errToErrno(err)
		}
	}
	if req.Valid.Mtime() {
		if err := ensure(); err != nil {
			return errToErrno(err)
		}
		if err := n.fs.Meta.Utimens(caller, permPath, req.Mtime); err != nil {
			return errToErrno(err)
		}
	}
	if req.Valid.Size() {
		f, err := n.fs.Store.OpenFile(storePath, store.OReadWrite, 0o600)
		if err != nil {
			return errToErrno(err)
		}
		terr := f.Truncate(int64(req.Size))
		f.Close()
		if terr != nil {
			return errToErrno(terr)
		}
	}

	res, err := n.fs.statPath(caller, n.path)
	if err != nil {
		return errToErrno(err)
	}
	res.toFuseAttr(&resp.Attr)
	return nil
}

func (n Node) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return nil
}
