// Package upfsconfig parses the mount CLI's `-o key=val,...` option string
// and an optional upfs.toml policy overlay into a typed Options struct.
package upfsconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Options is the engine-private configuration surface, distinct from the
// kernel-binding mount options (allow_other, and in PS mode nonempty and
// default_permissions) that the mount CLI always sets itself.
type Options struct {
	// MountPerm/MountStore/MountRoot request a real host mount of the
	// corresponding root before the engine starts (spec.md §6's
	// mount_p/mount_s/mount_r).
	MountPerm  bool
	MountStore bool
	MountRoot  bool

	// FATMangle/FATLowercase control the Path Resolver's store-side name
	// mangling for FAT-class backing filesystems.
	FATMangle    bool
	FATLowercase bool

	// PermCasefold folds permissions-root lookups case-insensitively.
	PermCasefold bool

	// Decap is handed to upfsfs.FS.Decap, which no recipe reads: store-side
	// lookups stay case-sensitive whatever its value.
	Decap bool

	// MaxOpenFiles bounds concurrently open backend descriptors.
	MaxOpenFiles int

	// CacheDir, if set, backs the directory entry cache with an
	// on-disk leveldb database instead of an in-memory one.
	CacheDir string
}

// Default returns the zero-configuration baseline: no private mount
// requests, no name mangling, a generous open-file ceiling.
func Default() Options {
	return Options{MaxOpenFiles: 4096}
}

// ParseOpts parses a `-o` comma list of key or key=val pairs, recognizing
// the engine-private keys and ignoring anything else. The mount CLI does
// not forward the ignored keys to the kernel binding; they have no effect.
func ParseOpts(opt Options, s string) (Options, error) {
	if s == "" {
		return opt, nil
	}
	for _, kv := range strings.Split(s, ",") {
		if kv == "" {
			continue
		}
		key, val, hasVal := strings.Cut(kv, "=")
		switch key {
		case "mount_p":
			opt.MountPerm = true
		case "mount_s":
			opt.MountStore = true
		case "mount_r":
			opt.MountRoot = true
		case "fat_mangle":
			opt.FATMangle = boolVal(val, hasVal)
		case "fat_lowercase":
			opt.FATLowercase = boolVal(val, hasVal)
		case "perm_casefold":
			opt.PermCasefold = boolVal(val, hasVal)
		case "decap":
			opt.Decap = boolVal(val, hasVal)
		case "cache_dir":
			opt.CacheDir = val
		case "max_open_files":
			n, err := strconv.Atoi(val)
			if err != nil {
				return opt, fmt.Errorf("upfsconfig: max_open_files=%q: %w", val, err)
			}
			opt.MaxOpenFiles = n
		default:
			// Not an engine-private key (allow_other, nonempty,
			// default_permissions, ...); ignored.
		}
	}
	return opt, nil
}

func boolVal(val string, hasVal bool) bool {
	if !hasVal {
		return true
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return true
	}
	return b
}

// tomlPolicy mirrors the subset of upfs.toml the engine understands.
type tomlPolicy struct {
	FATMangle    *bool `toml:"fat_mangle"`
	FATLowercase *bool `toml:"fat_lowercase"`
	PermCasefold *bool `toml:"perm_casefold"`
	Decap        *bool `toml:"decap"`
}

// LoadTOML overlays path's policy knobs onto opt. Values already set by
// ParseOpts (i.e. passed via -o) are never overridden — -o always wins,
// per specification §4.9.
func LoadTOML(opt Options, path string, explicit map[string]bool) (Options, error) {
	var p tomlPolicy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return opt, err
	}
	if p.FATMangle != nil && !explicit["fat_mangle"] {
		opt.FATMangle = *p.FATMangle
	}
	if p.FATLowercase != nil && !explicit["fat_lowercase"] {
		opt.FATLowercase = *p.FATLowercase
	}
	if p.PermCasefold != nil && !explicit["perm_casefold"] {
		opt.PermCasefold = *p.PermCasefold
	}
	if p.Decap != nil && !explicit["decap"] {
		opt.Decap = *p.Decap
	}
	return opt, nil
}

// ExplicitKeys reports which engine-private boolean keys were named in s,
// so LoadTOML can respect "-o always wins" even for an explicit false.
func ExplicitKeys(s string) map[string]bool {
	out := map[string]bool{}
	for _, kv := range strings.Split(s, ",") {
		key, _, _ := strings.Cut(kv, "=")
		if key != "" {
			out[key] = true
		}
	}
	return out
}
