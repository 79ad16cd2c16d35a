package fsck

import (
	"os"
	"testing"

	"github.com/GregorR/upfs/internal/metabackend"
	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
)

func caller() metabackend.Caller {
	return metabackend.Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), Umask: 0o022}
}

func TestWalkCleanTreeHasNoProblems(t *testing.T) {
	backend := store.NewLocal(t.TempDir())
	ps := metabackend.NewPS(backend)
	c := caller()

	if err := ps.Mkdir(c, "dir", metabackend.Attr{Mode: sidecar.ModeDir | 0o755}); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := backend.Mkdir("dir", 0o755); err != nil {
		t.Fatalf("store Mkdir: %v", err)
	}
	if err := ps.Mknod(c, "dir/f", metabackend.Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	f, err := backend.OpenFile("dir/f", store.OCreate|store.OReadWrite, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.Close()

	problems, err := Walk(backend)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("Walk reported problems on a clean tree: %v", problems)
	}
}

func TestWalkFindsOrphanSidecarEntry(t *testing.T) {
	backend := store.NewLocal(t.TempDir())
	ps := metabackend.NewPS(backend)
	c := caller()

	if err := ps.Mknod(c, "ghost", metabackend.Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	// No matching store.OpenFile: the sidecar entry now points at nothing.

	problems, err := Walk(backend)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("Walk found %d problems, want 1: %v", len(problems), problems)
	}
}

func TestWalkFindsUntrackedStoreFile(t *testing.T) {
	backend := store.NewLocal(t.TempDir())
	f, err := backend.OpenFile("untracked", store.OCreate|store.OReadWrite, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.Close()

	problems, err := Walk(backend)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("Walk found %d problems, want 1: %v", len(problems), problems)
	}
}
