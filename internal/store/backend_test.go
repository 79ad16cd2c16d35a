package store

import (
	"testing"
)

// runBackendContract exercises the behavior every store.Backend
// implementation must provide, regardless of transport.
func runBackendContract(t *testing.T, b Backend) {
	t.Helper()

	if err := b.Mkdir("d", 0700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	f, err := b.OpenFile("d/f", OCreate|OExcl|OReadWrite, 0600)
	if err != nil {
		t.Fatalf("OpenFile create: %v", err)
	}
	if _, err := f.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fi, err := b.Stat("d/f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size != 5 {
		t.Errorf("size = %d, want 5", fi.Size)
	}

	if err := b.Rename("d/f", "d/g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := b.Stat("d/f"); err == nil {
		t.Errorf("expected d/f to be gone after rename")
	}
	if _, err := b.Stat("d/g"); err != nil {
		t.Errorf("expected d/g to exist after rename: %v", err)
	}

	entries, err := b.ReadDir("d")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "g" {
		t.Errorf("ReadDir = %+v, want single entry %q", entries, "g")
	}

	if err := b.Remove("d/g"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestLocalBackendContract(t *testing.T) {
	dir := t.TempDir()
	runBackendContract(t, NewLocal(dir))
}

func TestLocalFileLocking(t *testing.T) {
	dir := t.TempDir()
	b := NewLocal(dir)
	f, err := b.OpenFile("lockme", OCreate|OReadWrite, 0600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if err := f.Lock(true); err != nil {
		t.Fatalf("exclusive Lock: %v", err)
	}
	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := f.Lock(false); err != nil {
		t.Fatalf("shared Lock: %v", err)
	}
	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}
