package sidecar

import (
	"fmt"
	"sync"
	"testing"

	"github.com/GregorR/upfs/internal/store"
)

func newTestBackend(t *testing.T) store.Backend {
	t.Helper()
	return store.NewLocal(t.TempDir())
}

func TestOpenInitializesEmptyHeader(t *testing.T) {
	b := newTestBackend(t)
	tbl, err := Open(b, ".", true, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()
	empty, err := tbl.Empty()
	if err != nil || !empty {
		t.Fatalf("expected fresh sidecar to be empty, got empty=%v err=%v", empty, err)
	}
}

func TestRejectsBadMagic(t *testing.T) {
	b := newTestBackend(t)
	f, err := b.OpenFile(Name, store.OCreate|store.OReadWrite, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(make([]byte, headerSize), 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := Open(b, ".", false, false); err == nil {
		t.Fatalf("expected bad-magic sidecar to be rejected")
	}
}

func TestAllocateAppendsThenReusesFreedSlot(t *testing.T) {
	b := newTestBackend(t)
	tbl, err := Open(b, ".", true, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	var e1 Entry
	e1.SetName("a")
	e1.Mode = ModeReg | 0644
	off1, err := tbl.Allocate(e1)
	if err != nil {
		t.Fatal(err)
	}
	if off1 != headerSize {
		t.Fatalf("first allocation should land right after header, got %d", off1)
	}

	var e2 Entry
	e2.SetName("b")
	off2, err := tbl.Allocate(e2)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != headerSize+entrySize {
		t.Fatalf("second allocation should follow the first, got %d", off2)
	}

	if err := tbl.Free(off1); err != nil {
		t.Fatal(err)
	}

	var e3 Entry
	e3.SetName("c")
	off3, err := tbl.Allocate(e3)
	if err != nil {
		t.Fatal(err)
	}
	if off3 != off1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", off1, off3)
	}
}

func TestFreeListIdempotence(t *testing.T) {
	b := newTestBackend(t)
	tbl, err := Open(b, ".", true, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	const n = 20
	var offs []int64
	for i := 0; i < n; i++ {
		var e Entry
		e.SetName(fmt.Sprintf("f%d", i))
		off, err := tbl.Allocate(e)
		if err != nil {
			t.Fatal(err)
		}
		offs = append(offs, off)
	}
	for _, off := range offs {
		if err := tbl.Free(off); err != nil {
			t.Fatal(err)
		}
	}

	empty, err := tbl.Empty()
	if err != nil || !empty {
		t.Fatalf("expected all-free table to be empty, got empty=%v err=%v", empty, err)
	}

	// Walk the free list and confirm it's an acyclic permutation of every
	// freed offset.
	h, err := tbl.readHeader()
	if err != nil {
		t.Fatal(err)
	}
	seen := map[uint32]bool{}
	cur := h.FreeList
	count := 0
	for cur != noFreeEntries {
		if seen[cur] {
			t.Fatalf("cycle detected in free list at index %d", cur)
		}
		seen[cur] = true
		count++
		e, err := tbl.readEntryAt(offsetForIndex(cur))
		if err != nil {
			t.Fatal(err)
		}
		if e.Used() {
			t.Fatalf("free-list entry at index %d is marked used", cur)
		}
		cur = e.NextFree
	}
	if count != n {
		t.Fatalf("free list has %d entries, want %d", count, n)
	}
}

func TestLookupFindsByName(t *testing.T) {
	b := newTestBackend(t)
	tbl, err := Open(b, ".", true, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	var e Entry
	e.SetName("hello")
	e.UID, e.GID, e.Mode = 1000, 1000, ModeReg|0644
	if _, err := tbl.Allocate(e); err != nil {
		t.Fatal(err)
	}

	found, _, ok, err := tbl.Lookup("hello")
	if err != nil || !ok {
		t.Fatalf("expected to find entry, ok=%v err=%v", ok, err)
	}
	if found.UID != 1000 || found.Name() != "hello" {
		t.Fatalf("unexpected entry: %+v", found)
	}

	if _, _, ok, err := tbl.Lookup("missing"); err != nil || ok {
		t.Fatalf("expected no match, ok=%v err=%v", ok, err)
	}
}

func TestNameFieldBoundedCompare(t *testing.T) {
	var e Entry
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	e.SetName(string(long))
	if len(e.Name()) > 255 {
		t.Fatalf("name should be truncated to 255 bytes, got %d", len(e.Name()))
	}
}

// TestConcurrentCreateDeleteNoDuplicateNames exercises many goroutines
// racing create/delete against the same directory's sidecar and checks
// invariant I4 (no two used entries share a name) along with header
// integrity, per the specification's concurrency property.
func TestConcurrentCreateDeleteNoDuplicateNames(t *testing.T) {
	b := newTestBackend(t)
	// Seed the sidecar up front so every worker can open with shared or
	// exclusive locks against a file that already exists.
	seed, err := Open(b, ".", true, true)
	if err != nil {
		t.Fatal(err)
	}
	seed.Close()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("worker-%d", i)
			tbl, err := Open(b, ".", false, true)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			var e Entry
			e.SetName(name)
			off, err := tbl.Allocate(e)
			if err != nil {
				t.Errorf("allocate: %v", err)
				tbl.Close()
				return
			}
			tbl.Close()

			tbl, err = Open(b, ".", false, true)
			if err != nil {
				t.Errorf("reopen: %v", err)
				return
			}
			if err := tbl.Free(off); err != nil {
				t.Errorf("free: %v", err)
			}
			tbl.Close()
		}(i)
	}
	wg.Wait()

	tbl, err := Open(b, ".", false, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	seenNames := map[string]bool{}
	err = tbl.Iterate(func(name string, e Entry, offset int64) error {
		if seenNames[name] {
			t.Errorf("duplicate name %q violates I4", name)
		}
		seenNames[name] = true
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
}

func TestUnlinkIfEmptyRemovesSidecar(t *testing.T) {
	b := newTestBackend(t)
	tbl, err := Open(b, ".", true, true)
	if err != nil {
		t.Fatal(err)
	}
	var e Entry
	e.SetName("only")
	off, err := tbl.Allocate(e)
	if err != nil {
		t.Fatal(err)
	}
	tbl.Close()

	if err := UnlinkIfEmpty(b, "."); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(Name); err != nil {
		t.Fatalf("expected sidecar to still exist (not empty): %v", err)
	}

	tbl, err = Open(b, ".", false, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Free(off); err != nil {
		t.Fatal(err)
	}
	tbl.Close()

	if err := UnlinkIfEmpty(b, "."); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(Name); err == nil {
		t.Fatalf("expected sidecar to be removed once empty")
	}
}
