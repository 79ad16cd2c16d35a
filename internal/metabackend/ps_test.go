package metabackend

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/GregorR/upfs/internal/directcache"
	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
)

func newPS(t *testing.T) *PS {
	return NewPS(store.NewLocal(t.TempDir()))
}

func TestPSMetadataRoundTrip(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000, Umask: 0o022}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		m := uint32(rng.Intn(0o10000))
		u := rng.Uint32()
		g := rng.Uint32()
		ts := time.Unix(int64(rng.Intn(2000000000)), 0)

		name := "f"
		if err := b.Mknod(caller, name, Attr{Mode: sidecar.ModeReg | m}); err != nil {
			t.Fatalf("round %d Mknod: %v", i, err)
		}
		if err := b.Chmod(caller, name, m, true); err != nil {
			t.Fatalf("round %d Chmod: %v", i, err)
		}
		if err := b.Chown(caller, name, u, g); err != nil {
			t.Fatalf("round %d Chown: %v", i, err)
		}
		if err := b.Utimens(caller, name, ts); err != nil {
			t.Fatalf("round %d Utimens: %v", i, err)
		}
		attr, err := b.Stat(caller, name)
		if err != nil {
			t.Fatalf("round %d Stat: %v", i, err)
		}
		if attr.Mode&sidecar.ModeFmt != sidecar.ModeReg {
			t.Fatalf("round %d: lost type bit, mode=%#o", i, attr.Mode)
		}
		if attr.Mode&sidecar.ModePerm != m {
			t.Fatalf("round %d: mode mismatch got %#o want %#o", i, attr.Mode&sidecar.ModePerm, m)
		}
		if attr.UID != u || attr.GID != g {
			t.Fatalf("round %d: owner mismatch got (%d,%d) want (%d,%d)", i, attr.UID, attr.GID, u, g)
		}
		if !attr.Mtime.Equal(ts) {
			t.Fatalf("round %d: mtime mismatch got %v want %v", i, attr.Mtime, ts)
		}
		if err := b.Unlink(caller, name, false); err != nil {
			t.Fatalf("round %d Unlink: %v", i, err)
		}
	}
}

func TestPSCreateCollision(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Mknod(caller, "x", Attr{Mode: sidecar.ModeReg | 0o600})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d successes: %v", successes, results)
	}
}

func TestPSRenameSameDirPreservesIdentity(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000}

	if err := b.Mknod(caller, "a", Attr{Mode: sidecar.ModeReg | 0o640}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	if err := b.Chown(caller, "a", 42, 43); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	before, err := b.Stat(caller, "a")
	if err != nil {
		t.Fatalf("Stat before: %v", err)
	}
	if err := b.Rename(caller, "a", "b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := b.Stat(caller, "a"); err == nil {
		t.Fatalf("expected source to be gone after rename")
	}
	after, err := b.Stat(caller, "b")
	if err != nil {
		t.Fatalf("Stat after: %v", err)
	}
	if after.Mode != before.Mode || after.UID != before.UID || after.GID != before.GID || !after.Mtime.Equal(before.Mtime) {
		t.Fatalf("rename did not preserve identity: before=%+v after=%+v", before, after)
	}
}

func TestPSRenameOverwritesExistingTarget(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000}

	if err := b.Mknod(caller, "a", Attr{Mode: sidecar.ModeReg | 0o640}); err != nil {
		t.Fatalf("Mknod a: %v", err)
	}
	if err := b.Mknod(caller, "b", Attr{Mode: sidecar.ModeReg | 0o600}); err != nil {
		t.Fatalf("Mknod b: %v", err)
	}
	if err := b.Rename(caller, "a", "b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	attr, err := b.Stat(caller, "b")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Mode&sidecar.ModePerm != 0o640 {
		t.Fatalf("expected overwritten target to carry source's mode 0640, got %#o", attr.Mode&sidecar.ModePerm)
	}
}

func TestPSRenameCrossDir(t *testing.T) {
	backend := store.NewLocal(t.TempDir())
	if err := backend.Mkdir("src", 0o755); err != nil {
		t.Fatalf("Mkdir src: %v", err)
	}
	if err := backend.Mkdir("dst", 0o755); err != nil {
		t.Fatalf("Mkdir dst: %v", err)
	}
	b := NewPS(backend)
	caller := Caller{UID: 1000, GID: 1000}

	if err := b.Mknod(caller, "src/a", Attr{Mode: sidecar.ModeReg | 0o640}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	if err := b.Rename(caller, "src/a", "dst/b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := b.Stat(caller, "src/a"); err == nil {
		t.Fatalf("expected source to be gone")
	}
	attr, err := b.Stat(caller, "dst/b")
	if err != nil {
		t.Fatalf("Stat dst/b: %v", err)
	}
	if attr.Mode&sidecar.ModePerm != 0o640 {
		t.Fatalf("expected mode 0640, got %#o", attr.Mode&sidecar.ModePerm)
	}
}

func TestPSSymlinkTypeCheck(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000}

	if err := b.Symlinkat(caller, "target", "link"); err != nil {
		t.Fatalf("Symlinkat: %v", err)
	}
	if _, err := b.Readlinkat(caller, "link"); err != nil {
		t.Fatalf("Readlinkat on symlink entry: %v", err)
	}
	if err := b.Mknod(caller, "plain", Attr{Mode: sidecar.ModeReg | 0o600}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	if _, err := b.Readlinkat(caller, "plain"); err == nil {
		t.Fatalf("expected Readlinkat on a regular entry to fail")
	}
}

func TestPSRejectsNamingSidecar(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000}
	if _, err := b.Stat(caller, sidecar.Name); err == nil {
		t.Fatalf("expected error naming the sidecar file directly")
	}
}

func TestPSFutimensUpdatesMtime(t *testing.T) {
	b := newPS(t)
	caller := Caller{UID: 1000, GID: 1000}

	if err := b.Mknod(caller, "f", Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	h, err := b.Open(caller, "f", Attr{})
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

func TestPSWithCacheServesAndInvalidatesLookups(t *testing.T) {
	cache, err := directcache.Open("")
	if err != nil {
		t.Fatalf("directcache.Open: %v", err)
	}
	defer cache.Close()

	b := NewPSWithCache(store.NewLocal(t.TempDir()), cache)
	caller := Caller{UID: 1000, GID: 1000}

	if err := b.Mknod(caller, "f", Attr{Mode: sidecar.ModeReg | 0o644}); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	if _, err := b.Stat(caller, "f"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if _, ok := cache.Lookup(".", "f"); !ok {
		t.Fatalf("expected Stat to populate the cache")
	}

	if err := b.Unlink(caller, "f", false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, ok := cache.Lookup(".", "f"); ok {
		t.Fatalf("expected Unlink to invalidate the cache entry")
	}
	if _, err := b.Stat(caller, "f"); err == nil {
		t.Fatalf("expected Stat after Unlink to fail")
	}
}
