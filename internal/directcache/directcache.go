// Package directcache is an optional lookup accelerator for the PS
// Metadata Backend: a (directory, name) -> sidecar record offset map
// backed by github.com/syndtr/goleveldb, so a hot directory's repeated
// lookups don't all pay for a linear sidecar scan. See specification
// §4.7.
package directcache

import (
	"encoding/binary"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Cache wraps a *leveldb.DB. It is never the source of truth: callers
// must always verify a hit against the authoritative sidecar entry
// before trusting it, and silently correct (or drop) a stale one.
type Cache struct {
	db *leveldb.DB
}

// Open returns a Cache backed by a leveldb database at dir, or an
// in-memory one (storage.NewMemStorage) when dir is empty — the
// no-scratch-directory configuration.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, err
		}
		return &Cache{db: db}, nil
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func key(dir, name string) []byte {
	var b strings.Builder
	b.WriteString(dir)
	b.WriteByte(0)
	b.WriteString(name)
	return []byte(b.String())
}

// Lookup returns the last offset recorded for (dir, name), if any. The
// caller must re-verify it against the sidecar before trusting it.
func (c *Cache) Lookup(dir, name string) (offset int64, ok bool) {
	val, err := c.db.Get(key(dir, name), nil)
	if err != nil || len(val) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(val)), true
}

// Put records (or rewrites) the offset for (dir, name).
func (c *Cache) Put(dir, name string, offset int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return c.db.Put(key(dir, name), buf[:], nil)
}

// Invalidate drops any cached offset for (dir, name), used when a caller
// already knows the record moved or was freed.
func (c *Cache) Invalidate(dir, name string) error {
	return c.db.Delete(key(dir, name), nil)
}
