package directcache

import "testing"

func TestLookupPutRoundTrip(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, ok := c.Lookup("dir", "name"); ok {
		t.Fatalf("Lookup on empty cache returned ok")
	}

	if err := c.Put("dir", "name", 292); err != nil {
		t.Fatalf("Put: %v", err)
	}
	off, ok := c.Lookup("dir", "name")
	if !ok || off != 292 {
		t.Fatalf("Lookup after Put = (%d, %v), want (292, true)", off, ok)
	}

	// A different directory with the same file name is a distinct key.
	if _, ok := c.Lookup("other", "name"); ok {
		t.Fatalf("Lookup leaked across directories")
	}
}

func TestInvalidate(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Put("dir", "name", 292); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Invalidate("dir", "name"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := c.Lookup("dir", "name"); ok {
		t.Fatalf("Lookup after Invalidate still returned ok")
	}
}

func TestOnDiskPersists(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Put("d", "f", 600); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	off, ok := c2.Lookup("d", "f")
	if !ok || off != 600 {
		t.Fatalf("Lookup after reopen = (%d, %v), want (600, true)", off, ok)
	}
}
