// Package pathresolve turns a guest-facing path into the pair of
// host-relative paths the rest of the engine operates on: one for the
// permissions root (or sidecar-bearing directory, in PS mode), one for the
// store root.
package pathresolve

import (
	"strings"
)

// Policy selects the optional, mount-time-switchable name transforms.
type Policy struct {
	// FATMangle rewrites reserved FAT characters in store-side names as
	// $HH escapes.
	FATMangle bool
	// FATLowercase additionally mangles A..Z when FATMangle is set.
	FATLowercase bool
	// PermCaseFold lowercases perm-side names, for stores that are
	// themselves case-insensitive.
	PermCaseFold bool
}

// reservedFAT is the set of characters that can't appear in a FAT-style
// short or long name and must be escaped in store-side names.
const reservedFAT = "\"?:*|<>$\\"

// Resolver maps guest paths to (permPath, storePath) pairs under a fixed
// Policy. It holds no host state; all host fd/lookup work happens in the
// Metadata Backend and Store Backend layers.
type Resolver struct {
	Policy Policy
}

// New returns a Resolver for the given policy.
func New(p Policy) *Resolver {
	return &Resolver{Policy: p}
}

// Resolve returns the host-relative (permPath, storePath) pair for a guest
// path p. Both strings have any leading "/" stripped and an empty result
// normalized to ".".
func (r *Resolver) Resolve(p string) (permPath, storePath string) {
	clean := strings.TrimPrefix(p, "/")
	storePath = r.mangleStore(clean)
	permPath = r.foldPerm(clean)
	if storePath == "" {
		storePath = "."
	}
	if permPath == "" {
		permPath = "."
	}
	return permPath, storePath
}

// mangleStore applies the FAT-safe escaping to every path component of p,
// independently, so "/" separators are never themselves escaped.
func (r *Resolver) mangleStore(p string) string {
	if !r.Policy.FATMangle {
		return p
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = mangleComponent(part, r.Policy.FATLowercase)
	}
	return strings.Join(parts, "/")
}

func mangleComponent(name string, lowercase bool) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		needsEscape := strings.IndexByte(reservedFAT, c) >= 0
		if !needsEscape && lowercase && c >= 'A' && c <= 'Z' {
			needsEscape = true
		}
		if needsEscape {
			b.WriteByte('$')
			b.WriteString(lowerHex(c))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

const hexDigits = "0123456789abcdef"

func lowerHex(c byte) string {
	return string([]byte{hexDigits[c>>4], hexDigits[c&0xf]})
}

// UnmangleStore inverts mangleComponent for a single path component, used
// by readdir to present store-side names back to the guest.
func (r *Resolver) UnmangleStore(name string) string {
	if !r.Policy.FATMangle {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); {
		if name[i] == '$' && i+2 < len(name) && isHex(name[i+1]) && isHex(name[i+2]) {
			b.WriteByte(unhex(name[i+1])<<4 | unhex(name[i+2]))
			i += 3
			continue
		}
		b.WriteByte(name[i])
		i++
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func (r *Resolver) foldPerm(p string) string {
	if !r.Policy.PermCaseFold {
		return p
	}
	return strings.ToLower(p)
}

// SplitPath splits a host-relative path into (dir, file). The rightmost
// "/" is the split point; if there is none, dir is "." and file is the
// whole path. A trailing "/" is stripped first. If decap is set, file is
// additionally lowercased, for stores assumed to be case-insensitive.
func SplitPath(p string, decap bool) (dir, file string) {
	p = strings.TrimRight(p, "/")
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		dir, file = ".", p
	} else {
		dir, file = p[:idx], p[idx+1:]
	}
	if dir == "" {
		dir = "."
	}
	if file == "" {
		file = "."
	}
	if decap {
		file = strings.ToLower(file)
	}
	return dir, file
}
