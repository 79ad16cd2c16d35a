package upfsfs

import (
	"context"
	"os"
	"syscall"
	"testing"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/GregorR/upfs/internal/metabackend"
	"github.com/GregorR/upfs/internal/pathresolve"
	"github.com/GregorR/upfs/internal/store"
)

func header() fuse.Header {
	return fuse.Header{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

func newPSFS(t *testing.T) *FS {
	backend := store.NewLocal(t.TempDir())
	return &FS{
		Meta:    metabackend.NewPS(backend),
		Store:   backend,
		Resolve: pathresolve.New(pathresolve.Policy{}),
		PSMode:  true,
	}
}

func newSplitFS(t *testing.T) *FS {
	storeBackend := store.NewLocal(t.TempDir())
	permBackend := store.NewLocal(t.TempDir())
	return &FS{
		Meta:    metabackend.NewSplit(permBackend),
		Store:   storeBackend,
		Resolve: pathresolve.New(pathresolve.Policy{}),
		PSMode:  false,
	}
}

func root(fs *FS) Node {
	n, err := fs.Root()
	if err != nil {
		panic(err)
	}
	return n.(Node)
}

func createFile(t *testing.T, fs *FS, name string) fusefs.Handle {
	t.Helper()
	req := &fuse.CreateRequest{Header: header(), Name: name, Mode: 0o644}
	var resp fuse.CreateResponse
	_, h, err := root(fs).Create(context.Background(), req, &resp)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return h
}

func writeAndRelease(t *testing.T, h fusefs.Handle, data []byte) {
	t.Helper()
	fh := h.(*FileHandle)
	wreq := &fuse.WriteRequest{Data: data, Offset: 0}
	var wresp fuse.WriteResponse
	if err := fh.Write(context.Background(), wreq, &wresp); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if wresp.Size != len(data) {
		t.Fatalf("Write size = %d, want %d", wresp.Size, len(data))
	}
	if err := fh.Release(context.Background(), &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func runCreateWriteReadCycle(t *testing.T, fs *FS) {
	t.Helper()
	h := createFile(t, fs, "hello")
	writeAndRelease(t, h, []byte("hello world"))

	lreq := &fuse.LookupRequest{Header: header(), Name: "hello"}
	var lresp fuse.LookupResponse
	node, err := root(fs).Lookup(context.Background(), lreq, &lresp)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	oreq := &fuse.OpenRequest{Header: header(), Flags: fuse.OpenReadOnly}
	var oresp fuse.OpenResponse
	handle, err := node.(fusefs.NodeOpener).Open(context.Background(), oreq, &oresp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fh := handle.(*FileHandle)

	rreq := &fuse.ReadRequest{Offset: 0, Size: 64}
	var rresp fuse.ReadResponse
	if err := fh.Read(context.Background(), rreq, &rresp); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(rresp.Data) != "hello world" {
		t.Fatalf("Read = %q, want %q", rresp.Data, "hello world")
	}
	if err := fh.Release(context.Background(), &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	var attr fuse.Attr
	greq := &fuse.GetattrRequest{Header: header()}
	var gresp fuse.GetattrResponse
	if err := node.(Node).Getattr(context.Background(), greq, &gresp); err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	attr = gresp.Attr
	if attr.Size != uint64(len("hello world")) {
		t.Fatalf("Getattr size = %d, want %d", attr.Size, len("hello world"))
	}
}

func TestPSCreateWriteReadCycle(t *testing.T) {
	runCreateWriteReadCycle(t, newPSFS(t))
}

func TestSplitCreateWriteReadCycle(t *testing.T) {
	runCreateWriteReadCycle(t, newSplitFS(t))
}

func runMkdirReaddirRemove(t *testing.T, fs *FS) {
	t.Helper()
	mreq := &fuse.MkdirRequest{Header: header(), Name: "sub", Mode: 0o755}
	dirNode, err := root(fs).Mkdir(context.Background(), mreq)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	h := createFile(t, fs, "top")
	writeAndRelease(t, h, []byte("x"))

	entries, err := root(fs).ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["sub"] || !names["top"] {
		t.Fatalf("ReadDirAll = %v, want sub and top present", names)
	}

	rreq := &fuse.RemoveRequest{Header: header(), Name: "top"}
	if err := root(fs).Remove(context.Background(), rreq); err != nil {
		t.Fatalf("Remove file: %v", err)
	}

	rdreq := &fuse.RemoveRequest{Header: header(), Name: "sub", Dir: true}
	if err := root(fs).Remove(context.Background(), rdreq); err != nil {
		t.Fatalf("Remove dir: %v", err)
	}
	_ = dirNode
}

func TestPSMkdirReaddirRemove(t *testing.T) {
	runMkdirReaddirRemove(t, newPSFS(t))
}

func TestSplitMkdirReaddirRemove(t *testing.T) {
	runMkdirReaddirRemove(t, newSplitFS(t))
}

func runRenameAcrossDirs(t *testing.T, fs *FS) {
	t.Helper()
	r := root(fs)
	mreq := &fuse.MkdirRequest{Header: header(), Name: "dst", Mode: 0o755}
	dstNode, err := r.Mkdir(context.Background(), mreq)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	h := createFile(t, fs, "a")
	writeAndRelease(t, h, []byte("payload"))

	rnreq := &fuse.RenameRequest{Header: header(), OldName: "a", NewName: "b"}
	if err := r.Rename(context.Background(), rnreq, dstNode); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	lreq := &fuse.LookupRequest{Header: header(), Name: "a"}
	if _, err := r.Lookup(context.Background(), lreq, &fuse.LookupResponse{}); err == nil {
		t.Fatalf("expected source to be gone after rename")
	}

	dn := dstNode.(Node)
	lreq2 := &fuse.LookupRequest{Header: header(), Name: "b"}
	if _, err := dn.Lookup(context.Background(), lreq2, &fuse.LookupResponse{}); err != nil {
		t.Fatalf("expected renamed target to be reachable: %v", err)
	}
}

func TestPSRenameAcrossDirs(t *testing.T) {
	runRenameAcrossDirs(t, newPSFS(t))
}

func TestSplitRenameAcrossDirs(t *testing.T) {
	runRenameAcrossDirs(t, newSplitFS(t))
}

func runSymlinkReadlink(t *testing.T, fs *FS) {
	t.Helper()
	r := root(fs)
	sreq := &fuse.SymlinkRequest{Header: header(), NewName: "link", Target: "target-path"}
	node, err := r.Symlink(context.Background(), sreq)
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	rlreq := &fuse.ReadlinkRequest{Header: header()}
	got, err := node.(Node).Readlink(context.Background(), rlreq)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "target-path" {
		t.Fatalf("Readlink = %q, want %q", got, "target-path")
	}
}

func TestPSSymlinkReadlink(t *testing.T) {
	runSymlinkReadlink(t, newPSFS(t))
}

func TestSplitSymlinkReadlink(t *testing.T) {
	runSymlinkReadlink(t, newSplitFS(t))
}

// TestSplitRenameCreatesMissingPRParent exercises specification S5: the
// destination directory exists on the store side but has no PR entry at
// all, so the rename's placeholder creation must see ENOENT, mkdir_p the
// PR side, and retry once rather than failing outright.
func TestSplitRenameCreatesMissingPRParent(t *testing.T) {
	fs := newSplitFS(t)
	r := root(fs)

	if err := fs.Store.Mkdir("dst", 0o755); err != nil {
		t.Fatalf("store Mkdir: %v", err)
	}
	dstNode := Node{fs: fs, path: "/dst"}

	h := createFile(t, fs, "a")
	writeAndRelease(t, h, []byte("payload"))

	rnreq := &fuse.RenameRequest{Header: header(), OldName: "a", NewName: "b"}
	if err := r.Rename(context.Background(), rnreq, dstNode); err != nil {
		t.Fatalf("Rename into a PR-less directory should succeed via mkdir_p: %v", err)
	}

	owner := metabackend.Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
	if _, err := fs.Meta.Stat(owner, "dst"); err != nil {
		t.Fatalf("expected mkdir_p to have created a PR entry for dst: %v", err)
	}
	if _, err := fs.Meta.Stat(owner, "dst/b"); err != nil {
		t.Fatalf("expected renamed target's PR entry to exist: %v", err)
	}
}

// TestSplitSymlinkCreatesMissingPRParent exercises the same mkdir_p rule
// for symlink creation (specification §4.5): the target directory exists
// on the store side only, so Symlinkat's first attempt must fail ENOENT,
// trigger mkdir_p, and succeed on retry.
func TestSplitSymlinkCreatesMissingPRParent(t *testing.T) {
	fs := newSplitFS(t)

	if err := fs.Store.Mkdir("dst", 0o755); err != nil {
		t.Fatalf("store Mkdir: %v", err)
	}
	dstNode := Node{fs: fs, path: "/dst"}

	sreq := &fuse.SymlinkRequest{Header: header(), NewName: "link", Target: "target-path"}
	node, err := dstNode.Symlink(context.Background(), sreq)
	if err != nil {
		t.Fatalf("Symlink into a PR-less directory should succeed via mkdir_p: %v", err)
	}

	rlreq := &fuse.ReadlinkRequest{Header: header()}
	got, err := node.(Node).Readlink(context.Background(), rlreq)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "target-path" {
		t.Fatalf("Readlink = %q, want %q", got, "target-path")
	}
}

// runReadDirAllReportsSymlinkType guards against ReadDirAll deriving
// Dirent.Type from the store-side file alone: every symlink this engine
// creates materializes its SR/store counterpart as a plain regular file,
// so a store-only check would always report DT_File for a symlink.
func runReadDirAllReportsSymlinkType(t *testing.T, fs *FS) {
	t.Helper()
	r := root(fs)
	sreq := &fuse.SymlinkRequest{Header: header(), NewName: "link", Target: "target-path"}
	if _, err := r.Symlink(context.Background(), sreq); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	entries, err := r.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name == "link" {
			found = true
			if e.Type != fuse.DT_Link {
				t.Fatalf("dirent type for symlink = %v, want DT_Link", e.Type)
			}
		}
	}
	if !found {
		t.Fatalf("expected to find the symlink entry in ReadDirAll output")
	}
}

func TestPSReadDirAllReportsSymlinkType(t *testing.T) {
	runReadDirAllReportsSymlinkType(t, newPSFS(t))
}

func TestSplitReadDirAllReportsSymlinkType(t *testing.T) {
	runReadDirAllReportsSymlinkType(t, newSplitFS(t))
}

func TestFileHandleLockUnlockQueryLock(t *testing.T) {
	fs := newPSFS(t)
	h := createFile(t, fs, "f")
	fh := h.(*FileHandle)

	lockReq := &fuse.LockRequest{Lk: fuse.FileLock{Type: syscall.F_WRLCK}}
	if err := fh.Lock(context.Background(), lockReq); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := fh.Unlock(context.Background(), &fuse.UnlockRequest{}); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := fh.LockWait(context.Background(), lockReq); err != nil {
		t.Fatalf("LockWait: %v", err)
	}
	if err := fh.Unlock(context.Background(), &fuse.UnlockRequest{}); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	var resp fuse.LockResponse
	if err := fh.QueryLock(context.Background(), lockReq, &resp); err != nil {
		t.Fatalf("QueryLock: %v", err)
	}
	if resp.Lk.Type != syscall.F_UNLCK {
		t.Fatalf("QueryLock reported Type=%v, want F_UNLCK", resp.Lk.Type)
	}

	if err := fh.Release(context.Background(), &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAccessRequiresBothSidesInSplitMode(t *testing.T) {
	fs := newSplitFS(t)
	h := createFile(t, fs, "f")
	writeAndRelease(t, h, []byte("x"))

	node := Node{fs: fs, path: "/f"}
	if err := node.Access(context.Background(), &fuse.AccessRequest{Header: header()}); err != nil {
		t.Fatalf("Access on existing file: %v", err)
	}

	missing := Node{fs: fs, path: "/nope"}
	if err := missing.Access(context.Background(), &fuse.AccessRequest{Header: header()}); err == nil {
		t.Fatalf("expected Access on a missing file to fail")
	}
}
