// Package fsck implements the PS-mode recovery walk: a read side-effect-
// free pass over a root tree that opens each directory's sidecar table
// (specification §3's free-list format) and reports entries that can no
// longer be trusted, without attempting to repair anything itself. It
// exists because the free-list allocator's own recovery story is
// "best-effort via free-list repair" (spec.md §1's Non-goals) rather than
// a journal; a human runs the report and decides what to fix.
package fsck

import (
	"fmt"

	"github.com/GregorR/upfs/internal/sidecar"
	"github.com/GregorR/upfs/internal/store"
)

// Problem is one discrepancy the walk found.
type Problem struct {
	Dir     string
	Message string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Dir, p.Message)
}

// Walk recurses through backend starting at "/" and checks every
// directory that carries a sidecar table:
//
//   - every used sidecar entry named "x" has a corresponding store.Backend
//     entry (a stale entry means a child was removed on the store side
//     without going through Unlink, e.g. direct host-side tampering);
//   - every store-side child that is itself a directory is recursed into,
//     whether or not the sidecar currently lists it (a missing entry is
//     reported, not invented — fsck never writes).
func Walk(backend store.Backend) ([]Problem, error) {
	var problems []Problem
	if err := walkDir(backend, "", &problems); err != nil {
		return problems, err
	}
	return problems, nil
}

func walkDir(backend store.Backend, dir string, problems *[]Problem) error {
	children, err := backend.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("fsck: readdir %q: %w", dir, err)
	}
	present := make(map[string]store.FileInfo, len(children))
	for _, fi := range children {
		if fi.Name == sidecar.Name {
			continue
		}
		present[fi.Name] = fi
	}

	t, err := sidecar.Open(backend, dir, false, false)
	if err != nil {
		// No sidecar in this directory at all is not itself a problem:
		// a directory with no children ever recorded never gets one.
		if len(present) > 0 {
			*problems = append(*problems, Problem{Dir: dir, Message: "no sidecar table but directory is non-empty"})
		}
	} else {
		seen := make(map[string]bool, len(present))
		iterErr := t.Iterate(func(name string, e sidecar.Entry, offset int64) error {
			fi, ok := present[name]
			if !ok {
				*problems = append(*problems, Problem{
					Dir:     dir,
					Message: fmt.Sprintf("sidecar entry %q has no matching store file", name),
				})
				return nil
			}
			seen[name] = true
			wantDir := e.Mode&sidecar.ModeFmt == sidecar.ModeDir
			if wantDir != fi.IsDir {
				*problems = append(*problems, Problem{
					Dir:     dir,
					Message: fmt.Sprintf("sidecar entry %q type disagrees with store file", name),
				})
			}
			return nil
		})
		t.Close()
		if iterErr != nil {
			return fmt.Errorf("fsck: iterate %q: %w", dir, iterErr)
		}
		for name := range present {
			if !seen[name] {
				*problems = append(*problems, Problem{
					Dir:     dir,
					Message: fmt.Sprintf("store file %q has no sidecar entry", name),
				})
			}
		}
	}

	for name, fi := range present {
		if !fi.IsDir {
			continue
		}
		sub := name
		if dir != "" {
			sub = dir + "/" + name
		}
		if err := walkDir(backend, sub, problems); err != nil {
			return err
		}
	}
	return nil
}
