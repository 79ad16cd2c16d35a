package metabackend

import (
	"os"
	"testing"
	"time"

	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
)

func selfCaller() Caller {
	return Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), Umask: 0o022}
}

func TestSplitCreateStatRoundTrip(t *testing.T) {
	pr := store.NewLocal(t.TempDir())
	b := NewSplit(pr)
	caller := selfCaller()

	if err := b.Mknod(caller, "f", Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	attr, err := b.Stat(caller, "f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Mode&sidecar.ModeFmt != sidecar.ModeReg {
		t.Fatalf("expected regular type bit, got mode %#o", attr.Mode)
	}
	if attr.Mode&sidecar.ModePerm != 0o644 {
		t.Fatalf("expected perm 0644, got %#o", attr.Mode&sidecar.ModePerm)
	}
}

func TestSplitChmodChown(t *testing.T) {
	pr := store.NewLocal(t.TempDir())
	b := NewSplit(pr)
	caller := selfCaller()

	if err := b.Mknod(caller, "f", Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	if err := b.Chmod(caller, "f", 0o600, true); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	attr, err := b.Stat(caller, "f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Mode&sidecar.ModePerm != 0o600 {
		t.Fatalf("expected perm 0600 after chmod, got %#o", attr.Mode&sidecar.ModePerm)
	}
}

func TestSplitRenamePreservesIdentity(t *testing.T) {
	pr := store.NewLocal(t.TempDir())
	b := NewSplit(pr)
	caller := selfCaller()

	if err := b.Mknod(caller, "a", Attr{Mode: sidecar.ModeReg | 0o640}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	before, err := b.Stat(caller, "a")
	if err != nil {
		t.Fatalf("Stat before: %v", err)
	}
	if err := b.Rename(caller, "a", "b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	after, err := b.Stat(caller, "b")
	if err != nil {
		t.Fatalf("Stat after: %v", err)
	}
	if after.Mode != before.Mode || after.UID != before.UID || after.GID != before.GID {
		t.Fatalf("rename did not preserve identity: before=%+v after=%+v", before, after)
	}
}

func TestSplitUnlinkTypeMismatch(t *testing.T) {
	pr := store.NewLocal(t.TempDir())
	b := NewSplit(pr)
	caller := selfCaller()

	if err := b.Mkdir(caller, "d", Attr{Mode: sidecar.ModeDir | 0o755}); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := b.Unlink(caller, "d", false); err == nil {
		t.Fatalf("expected IsADirectory error unlinking a directory without removeDir")
	}
	if err := b.Unlink(caller, "d", true); err != nil {
		t.Fatalf("Unlink(removeDir=true): %v", err)
	}
}

func TestSplitSymlinkRoundTrip(t *testing.T) {
	pr := store.NewLocal(t.TempDir())
	b := NewSplit(pr)
	caller := selfCaller()

	if err := b.Symlinkat(caller, "target", "link"); err != nil {
		t.Fatalf("Symlinkat: %v", err)
	}
	got, err := b.Readlinkat(caller, "link")
	if err != nil {
		t.Fatalf("Readlinkat: %v", err)
	}
	if got != "target" {
		t.Fatalf("got target %q, want %q", got, "target")
	}
}

func TestSplitFutimensUpdatesMtime(t *testing.T) {
	pr := store.NewLocal(t.TempDir())
	b := NewSplit(pr)
	caller := selfCaller()

	if err := b.Mknod(caller, "f", Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	h, err := b.Open(caller, "f", Attr{Mode: sidecar.ModeReg | 0o644})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	want := time.Unix(1700000000, 0)
	if err := b.Futimens(h, want); err != nil {
		t.Fatalf("Futimens: %v", err)
	}
	attr, err := b.Stat(caller, "f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !attr.Mtime.Equal(want) {
		t.Fatalf("got mtime %v, want %v", attr.Mtime, want)
	}
}
