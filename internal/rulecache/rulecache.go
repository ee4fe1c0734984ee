// Package rulecache memoizes the per-directory classification work
// ruleset.ScanForDoFiles does while walking the workspace, so that a
// directory whose mtime hasn't changed since the last redux invocation
// doesn't need every entry in it re-examined for a ".do" suffix.
package rulecache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "dirs"

// Cache provides persistent caching of per-directory rule listings
// using BoltDB. Self-cleaning: each run opens a fresh write database,
// seeded only with entries actually looked up this run, then atomically
// replaces the previous one on Close.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Entry is the cached classification of a directory's direct entries:
// one name/isDefault pair per discovered ".do" file. Subdirectories are
// walked separately and aren't part of an Entry.
type Entry struct {
	Name    string
	Default bool
}

// Open opens the existing cache for reading and creates a new cache
// for writing. Returns a disabled cache if path is empty, matching the
// "redux works with no cache directory at all" requirement.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create rule cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = readDB
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new rule cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old one with
// the new one. Only replaces if the write database closed cleanly.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

const keyVersion byte = 1

// makeKey builds a deterministic key from a directory's identity:
// ver(1) + relPath + NUL + mtime(8). Any mtime change (entries added,
// removed, or renamed) is a miss.
func makeKey(relPath string, mtime time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteString(relPath)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, mtime.UnixNano())
	return buf.Bytes()
}

// Lookup retrieves the cached rule entries for a directory. Returns
// (nil, false) on a miss. On a hit, copies the entry into the write
// database so that entries actually used this run survive into the
// next cache generation.
func (c *Cache) Lookup(relPath string, mtime time.Time) ([]Entry, bool) {
	if !c.enabled || c.readDB == nil {
		return nil, false
	}

	key := makeKey(relPath, mtime)
	var raw []byte
	_ = c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if data := b.Get(key); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if raw == nil {
		return nil, false
	}

	var entries []Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entries); err != nil {
		return nil, false
	}

	_ = c.Store(relPath, mtime, entries)
	return entries, true
}

// Store saves a directory's rule entries to the write database.
func (c *Cache) Store(relPath string, mtime time.Time, entries []Entry) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return fmt.Errorf("encode rule cache entry: %w", err)
	}

	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(relPath, mtime), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("rule cache store: %w", err)
	}
	return nil
}
