// Package impersonate implements the per-thread drop-to-caller /
// regain-root bracket that every Split-mode Metadata Backend call against
// the permissions root runs inside, so host permission checks reflect the
// guest caller's identity rather than the mount process's (root)
// identity. See specification §4.4 and §5.
package impersonate

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Identity is the guest caller's filesystem identity for one call.
type Identity struct {
	UID, GID uint32
	Umask    uint32
}

// defaultUmask is installed when a caller's reported umask is zero,
// matching the specification's "if the caller has a umask of zero,
// installs a default of 022" rule.
const defaultUmask = 0o022

// Do locks the current goroutine to its OS thread, drops to ident for the
// duration of fn, then regains root identity and umask before returning,
// preserving fn's error. The OS-thread lock prevents the Go scheduler
// from handing this thread to an unrelated goroutine while this one is
// impersonating someone else — the Go-native reading of the
// specification's "forbidden to yield execution ... before regain()"
// rule.
func Do(ident Identity, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	oldUmask, err := drop(ident)
	if err != nil {
		// A mounted filesystem that can't reliably represent the guest's
		// identity is unsafe to keep serving requests from.
		panic("impersonate: drop() failed, aborting: " + err.Error())
	}
	defer regain(oldUmask)

	return fn()
}

// Noop runs fn without any identity change, for the PS Metadata Backend
// where the sidecar table is the engine's own access-control surface and
// impersonation has nothing to bracket (specification §4.4: "In PS mode
// the wrapper is a no-op").
func Noop(fn func() error) error {
	return fn()
}

// setfsgid/setfsuid have no convenience wrapper in golang.org/x/sys/unix
// (their return value is the previous id, not an errno), so they're
// invoked directly via Syscall, as rclone and other Go FUSE mounters do.
func setfsgid(gid int) (prev int, err error) {
	r, _, e := unix.Syscall(unix.SYS_SETFSGID, uintptr(gid), 0, 0)
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

func setfsuid(uid int) (prev int, err error) {
	r, _, e := unix.Syscall(unix.SYS_SETFSUID, uintptr(uid), 0, 0)
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

func drop(ident Identity) (oldUmask int, err error) {
	// The kernel reports a refused change only by leaving the id as it
	// was, so each change is confirmed by a second call, which returns the
	// id now in effect.
	if _, err := setfsgid(int(ident.GID)); err != nil {
		return 0, err
	}
	if cur, err := setfsgid(int(ident.GID)); err != nil || cur != int(ident.GID) {
		return 0, unix.EPERM
	}
	if _, err := setfsuid(int(ident.UID)); err != nil {
		return 0, err
	}
	if cur, err := setfsuid(int(ident.UID)); err != nil || cur != int(ident.UID) {
		return 0, unix.EPERM
	}
	mask := ident.Umask
	if mask == 0 {
		mask = defaultUmask
	}
	oldUmask = unix.Umask(int(mask))
	return oldUmask, nil
}

func regain(oldUmask int) {
	// setfsuid/setfsgid never fail when regaining uid 0 from a process
	// that still has CAP_SETUID/CAP_SETGID, which is the only state the
	// engine should ever be in here; errors are intentionally not
	// surfaced so a failed regain can't be mistaken for the wrapped
	// call's own result.
	setfsuid(0)
	setfsgid(0)
	unix.Umask(oldUmask)
}
