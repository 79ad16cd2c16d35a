package hostmount

import (
	"os"
	"path/filepath"
	"testing"
)

// MountRoot's success paths invoke the real `mount` binary and need root
// privileges plus an actual loop-mountable image or fstab entry, neither
// of which this suite can assume; these tests stick to the parts that are
// deterministic without a privileged mount: the stat-failure path and the
// device-vs-directory dispatch reaching the external command at all.

func TestMountRootMissingPath(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")
	if err := MountRoot(missing); err == nil {
		t.Fatalf("expected an error for a missing path")
	}
}

func TestMountRootRegularFileAttemptsLoopMount(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "image")
	if err := os.WriteFile(img, []byte("not a real filesystem image"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// A plain file is not a mountable image; this is expected to fail, but
	// it must fail via the external `mount` command, not a stat error.
	err := MountRoot(img)
	if err == nil {
		t.Fatalf("expected a mount failure for a non-image regular file")
	}
}

func TestIsDevice(t *testing.T) {
	dir := t.TempDir()
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if isDevice(fi) {
		t.Fatalf("a plain directory should not be reported as a device")
	}
}
