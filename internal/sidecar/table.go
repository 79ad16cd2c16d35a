// Package sidecar implements the per-directory metadata table used by
// PS-mode mounts: a fixed-size header, a singly-linked free list of
// reusable entry slots, and the entries themselves. See the on-disk
// layout in the specification §3 and the operation semantics in §4.2.
package sidecar

import (
	"github.com/GregorR/upfs/internal/store"
	"github.com/GregorR/upfs/internal/upfserr"
)

// Table is an open sidecar file. A Table must not outlive the lock it was
// opened under; callers release it with Close as soon as the read-modify-
// write that needed it is done (see the specification's locking
// discipline in §5).
type Table struct {
	backend store.Backend
	dir     string
	f       store.File
	locked  bool
	excl    bool
}

// Open opens (or creates) the sidecar file in dir. If create is true and
// the file doesn't exist, it is created and initialized with an empty
// free list. The sidecar's whole-file advisory lock is acquired for the
// duration of the Table's lifetime: shared if exclusive is false,
// exclusive otherwise.
func Open(backend store.Backend, dir string, create, exclusive bool) (*Table, error) {
	flags := store.OReadWrite
	if create {
		flags |= store.OCreate
	}
	f, err := backend.OpenFile(join(dir, Name), flags, 0600)
	if err != nil {
		return nil, err
	}
	t := &Table{backend: backend, dir: dir, f: f}
	if err := f.Lock(exclusive); err != nil {
		f.Close()
		return nil, err
	}
	t.locked = true
	t.excl = exclusive

	fi, err := f.Stat()
	if err != nil {
		t.Close()
		return nil, err
	}
	if fi.Size == 0 {
		if !create {
			t.Close()
			return nil, errCorrupt("sidecar does not exist")
		}
		h := header{Version: currentVer, FreeList: noFreeEntries}
		if _, err := f.WriteAt(h.encode(), 0); err != nil {
			t.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, headerSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			t.Close()
			return nil, err
		}
		if _, err := decodeHeader(buf); err != nil {
			t.Close()
			return nil, err
		}
		if (fi.Size-headerSize)%entrySize != 0 {
			t.Close()
			return nil, errCorrupt("sidecar size %d is not header + N*entry", fi.Size)
		}
	}
	return t, nil
}

func join(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}

// Close releases the lock (if held) and the underlying descriptor. Safe
// to call once; calling it more than once is a programmer error but does
// not panic.
func (t *Table) Close() error {
	if t.f == nil {
		return nil
	}
	if t.locked {
		t.f.Unlock()
		t.locked = false
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// ReleaseLock drops the whole-file lock early, without closing the
// descriptor — used by the PS Metadata Backend's open recipe, which hands
// the still-open descriptor to the caller but must not keep the lock for
// the life of the resulting handle (specification §4.3's "open").
func (t *Table) ReleaseLock() error {
	if !t.locked {
		return nil
	}
	err := t.f.Unlock()
	t.locked = false
	return err
}

// Relock reacquires the whole-file lock on a Table previously released
// with ReleaseLock — used by the PS Metadata Backend's futimens recipe,
// which must briefly re-lock a handle's sidecar to apply a deferred
// mtime update (specification §4.3, §9's known free/realloc race).
func (t *Table) Relock(exclusive bool) error {
	if t.locked {
		if t.excl == exclusive || t.excl {
			return nil
		}
	}
	if err := t.f.Lock(exclusive); err != nil {
		return err
	}
	t.locked = true
	t.excl = exclusive
	return nil
}

// Dir returns the directory the Table was opened against.
func (t *Table) Dir() string { return t.dir }

// ReadEntry reads the entry at offset, for callers that already hold an
// offset from a prior Lookup or Allocate (the PS Metadata Backend's
// futimens recipe, specifically).
func (t *Table) ReadEntry(offset int64) (Entry, error) {
	return t.readEntryAt(offset)
}

func (t *Table) readHeader() (header, error) {
	buf := make([]byte, headerSize)
	if _, err := t.f.ReadAt(buf, 0); err != nil {
		return header{}, err
	}
	return decodeHeader(buf)
}

func (t *Table) writeHeader(h header) error {
	_, err := t.f.WriteAt(h.encode(), 0)
	return err
}

func (t *Table) readEntryAt(off int64) (Entry, error) {
	buf := make([]byte, entrySize)
	n, err := t.f.ReadAt(buf, off)
	if err != nil {
		return Entry{}, err
	}
	if n < entrySize {
		return Entry{}, errCorrupt("short entry read at offset %d", off)
	}
	return decodeEntry(buf)
}

func (t *Table) writeEntryAt(off int64, e Entry) error {
	_, err := t.f.WriteAt(e.encode(), off)
	return err
}

// Lookup scans entries for one whose Name() == name. Returns found=false
// if none matches; the scan never errors on "not found".
func (t *Table) Lookup(name string) (e Entry, offset int64, found bool, err error) {
	fi, err := t.f.Stat()
	if err != nil {
		return Entry{}, 0, false, err
	}
	for off := int64(headerSize); off < fi.Size; off += entrySize {
		cur, err := t.readEntryAt(off)
		if err != nil {
			return Entry{}, 0, false, err
		}
		if cur.Used() && cur.Name() == name {
			return cur, off, true, nil
		}
	}
	return Entry{}, 0, false, nil
}

// Iterate calls fn for every used entry. Iteration stops at the first
// error fn returns (sentinel errStop ends it cleanly).
func (t *Table) Iterate(fn func(name string, e Entry, offset int64) error) error {
	fi, err := t.f.Stat()
	if err != nil {
		return err
	}
	for off := int64(headerSize); off < fi.Size; off += entrySize {
		cur, err := t.readEntryAt(off)
		if err != nil {
			return err
		}
		if !cur.Used() {
			continue
		}
		if err := fn(cur.Name(), cur, off); err != nil {
			return err
		}
	}
	return nil
}

// Allocate reserves a slot for e (per the free-list algorithm in
// specification §4.2) and writes e into it, returning the offset.
func (t *Table) Allocate(e Entry) (int64, error) {
	h, err := t.readHeader()
	if err != nil {
		return 0, err
	}
	if h.FreeList == noFreeEntries {
		fi, err := t.f.Stat()
		if err != nil {
			return 0, err
		}
		end := fi.Size
		if (end-headerSize)%entrySize != 0 {
			return 0, errCorrupt("sidecar size %d misaligned before append", end)
		}
		if err := t.writeEntryAt(end, e); err != nil {
			return 0, err
		}
		return end, nil
	}

	off := offsetForIndex(h.FreeList)
	sentinel, err := t.readEntryAt(off)
	if err != nil {
		return 0, err
	}
	if sentinel.Used() {
		return 0, errCorrupt("free-list head at offset %d is not marked unused", off)
	}
	h.FreeList = sentinel.NextFree
	if err := t.writeHeader(h); err != nil {
		return 0, err
	}
	if err := t.writeEntryAt(off, e); err != nil {
		return 0, err
	}
	return off, nil
}

// Free releases the entry at offset back onto the free list.
func (t *Table) Free(offset int64) error {
	idx := indexForOffset(offset)
	if idx == noFreeEntries {
		// This index collides with the sentinel value reserved to mean
		// "free list is empty"; it can never be represented as a free-list
		// head again.
		return upfserr.New(upfserr.NoSpace, "free-list index would overflow u32")
	}
	h, err := t.readHeader()
	if err != nil {
		return err
	}
	sentinel := freeEntry(h.FreeList)
	if err := t.writeEntryAt(offset, sentinel); err != nil {
		return err
	}
	h.FreeList = idx
	return t.writeHeader(h)
}

// Write overwrites the entry at offset (used by chmod/chown/utimens
// paths once the caller already knows the offset from a prior Lookup or
// Allocate).
func (t *Table) Write(offset int64, e Entry) error {
	return t.writeEntryAt(offset, e)
}

// Empty reports whether the sidecar has no used entries.
func (t *Table) Empty() (bool, error) {
	empty := true
	err := t.Iterate(func(name string, e Entry, offset int64) error {
		empty = false
		return errStop
	})
	if err == errStop {
		err = nil
	}
	return empty, err
}

var errStop = stopError{}

type stopError struct{}

func (stopError) Error() string { return "stop iteration" }

// UnlinkIfEmpty acquires the exclusive lock (the caller must not already
// hold one — Open with exclusive=true first), and if the sidecar has no
// used entries, removes it from dir.
func UnlinkIfEmpty(backend store.Backend, dir string) error {
	t, err := Open(backend, dir, false, true)
	if err != nil {
		if upfserr.IsNotFound(upfserr.FromHost(err)) {
			return nil
		}
		return err
	}
	defer t.Close()
	empty, err := t.Empty()
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	t.Close()
	return backend.Remove(join(dir, Name))
}
