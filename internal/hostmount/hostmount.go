// Package hostmount implements the mount_p/mount_s/mount_r host-mount
// helper from specification §6: before the engine starts, optionally
// mount a root path (a block device, an image file, or a plain
// directory) onto itself, choosing a device-style or table-style `mount`
// invocation by what the path actually is.
package hostmount

import (
	"fmt"
	"os"
	"os/exec"
)

// MountRoot mounts path onto itself if needed, shelling out to the
// external mount helper (the way the teacher's fs.Unmount shells out to
// fusermount) rather than reimplementing mount(2)'s argument parsing.
//
// A block device is mounted with `mount <path> <path>`, a regular file (a
// loopback image) with `mount -o loop <path> <path>`; a directory is
// assumed already mounted (or mountable via /etc/fstab) and is mounted
// with a bare `mount <path>`.
func MountRoot(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("hostmount: stat %s: %w", path, err)
	}

	var cmd *exec.Cmd
	switch {
	case isDevice(fi):
		cmd = exec.Command("mount", path, path)
	case fi.Mode().IsRegular():
		cmd = exec.Command("mount", "-o", "loop", path, path)
	default:
		cmd = exec.Command("mount", path)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hostmount: mount %s: %w: %s", path, err, out)
	}
	return nil
}

func isDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0
}
