// Package upfserr defines the error kinds the UpFS engine raises,
// independent of which layer detected them, and their translation to
// bazil.org/fuse's errno wire representation.
package upfserr

import (
	"errors"
	"fmt"
	"syscall"

	"bazil.org/fuse"
)

// Kind classifies an engine-level failure per the error table in the
// specification. It is deliberately small and closed: every recipe in
// package upfsfs funnels its errors through one of these before replying
// to the kernel binding.
type Kind int

const (
	// NotFound: guest path resolves to neither PR nor SR entry.
	NotFound Kind = iota
	// AlreadyExists: creation request collides with an existing entry.
	AlreadyExists
	// NotADirectory: an operation required a directory and didn't get one.
	NotADirectory
	// IsADirectory: an operation required a non-directory and got one.
	IsADirectory
	// NotPermitted: guest named the sidecar, or tried to delete a
	// wrong-typed entry.
	NotPermitted
	// Unsupported: guest-requested mode bits outside the allowed set.
	Unsupported
	// IO: sidecar magic/version mismatch, corrupt free-list, truncated
	// record read.
	IO
	// NoSpace: free-list index would overflow a uint32.
	NoSpace
	// HostError: host syscall error, passed through unchanged.
	HostError
)

// Error is the concrete error value carried between layers. Host is only
// meaningful when Kind == HostError.
type Error struct {
	Kind Kind
	Host error
	Msg  string
}

func (e *Error) Error() string {
	if e.Kind == HostError && e.Host != nil {
		return e.Host.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return kindName(e.Kind)
}

func (e *Error) Unwrap() error {
	if e.Kind == HostError {
		return e.Host
	}
	return nil
}

func kindName(k Kind) string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case NotADirectory:
		return "not a directory"
	case IsADirectory:
		return "is a directory"
	case NotPermitted:
		return "operation not permitted"
	case Unsupported:
		return "unsupported"
	case IO:
		return "I/O error"
	case NoSpace:
		return "no space left"
	case HostError:
		return "host error"
	default:
		return "unknown error"
	}
}

// New builds a plain, host-less error of the given kind.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// FromHost wraps a host syscall/error value, classifying the well-known
// errno values into the matching Kind where one exists so callers further
// up don't need to re-inspect syscall.Errno themselves.
func FromHost(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(*Error); ok {
		return ue
	}
	switch {
	case errIs(err, syscall.ENOENT):
		return &Error{Kind: NotFound, Host: err}
	case errIs(err, syscall.EEXIST):
		return &Error{Kind: AlreadyExists, Host: err}
	case errIs(err, syscall.ENOTDIR):
		return &Error{Kind: NotADirectory, Host: err}
	case errIs(err, syscall.EISDIR):
		return &Error{Kind: IsADirectory, Host: err}
	case errIs(err, syscall.EPERM), errIs(err, syscall.EACCES):
		return &Error{Kind: NotPermitted, Host: err}
	case errIs(err, syscall.ENOSPC):
		return &Error{Kind: NoSpace, Host: err}
	default:
		return &Error{Kind: HostError, Host: err}
	}
}

func errIs(err error, errno syscall.Errno) bool {
	return errors.Is(err, errno)
}

// IsNotFound reports whether err is an *Error of kind NotFound. Host
// errors must be passed through FromHost first.
func IsNotFound(err error) bool {
	ue, ok := err.(*Error)
	return ok && ue.Kind == NotFound
}

// IsExist reports whether err is an *Error of kind AlreadyExists. Host
// errors must be passed through FromHost first.
func IsExist(err error) bool {
	ue, ok := err.(*Error)
	return ok && ue.Kind == AlreadyExists
}

// ToErrno converts an engine error into the errno value the kernel binding
// expects. Anything not already an *Error is treated as an opaque I/O
// failure, since package upfsfs should never let a bare error escape.
func ToErrno(err error) fuse.Errno {
	if err == nil {
		return 0
	}
	ue, ok := err.(*Error)
	if !ok {
		return fuse.Errno(syscall.EIO)
	}
	switch ue.Kind {
	case NotFound:
		return fuse.ENOENT
	case AlreadyExists:
		return fuse.Errno(syscall.EEXIST)
	case NotADirectory:
		return fuse.Errno(syscall.ENOTDIR)
	case IsADirectory:
		return fuse.Errno(syscall.EISDIR)
	case NotPermitted:
		return fuse.EPERM
	case Unsupported:
		return fuse.Errno(syscall.ENOTSUP)
	case IO:
		return fuse.Errno(syscall.EIO)
	case NoSpace:
		return fuse.Errno(syscall.ENOSPC)
	case HostError:
		var errno syscall.Errno
		if errors.As(ue.Host, &errno) {
			return fuse.Errno(errno)
		}
		return fuse.Errno(syscall.EIO)
	default:
		return fuse.Errno(syscall.EIO)
	}
}
