// Package artifacts implements the content-addressed object store: a
// flat directory whose filenames are hex content hashes and whose
// contents are the byte-exact artifact.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
)

// Store caches the set of hashes currently present on disk, refreshed
// at construction by listing the artifacts directory.
type Store struct {
	e       *env.Env
	present map[filestamp.Hash]struct{}
}

// New lists the artifacts directory and returns a Store backed by it.
// Insertions made by peer processes after construction are not
// observed by this Store until the next call to New — acceptable
// because Insert is idempotent.
func New(e *env.Env) (*Store, error) {
	if err := os.MkdirAll(e.ArtifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	entries, err := os.ReadDir(e.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts dir: %w", err)
	}
	present := make(map[filestamp.Hash]struct{}, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		present[filestamp.Hash(ent.Name())] = struct{}{}
	}
	return &Store{e: e, present: present}, nil
}

// StorePath returns the on-disk path an artifact with the given hash
// would live at.
func (s *Store) StorePath(h filestamp.Hash) string {
	return filepath.Join(s.e.ArtifactsDir, string(h))
}

// Has reports whether the store already holds content with this hash.
func (s *Store) Has(h filestamp.Hash) bool {
	_, ok := s.present[h]
	return ok
}

// Insert adds the file described by stamp to the store, if its
// content isn't already present. The copy is committed atomically via
// a temp-file-then-rename so a reader never observes a partially
// written artifact.
func (s *Store) Insert(stamp filestamp.Stamp) error {
	if s.Has(stamp.Hash) {
		return nil
	}

	dst := s.StorePath(stamp.Hash)
	tmp := dst + ".tmp"

	if err := copyFile(stamp.Path.Abs(), tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("insert artifact %s: %w", stamp.Path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit artifact %s: %w", stamp.Path, err)
	}

	s.present[stamp.Hash] = struct{}{}
	return nil
}

// Restore populates the path described by stamp from the stored
// artifact with its hash. The caller must have already ensured the
// hash is present (via Has), matching the store's "restore assumes
// insert already happened" invariant. Restore always makes a fresh
// file-system copy rather than linking to the store object, so a
// downstream tool writing to the restored path can never corrupt the
// content-addressed copy backing it.
func (s *Store) Restore(stamp filestamp.Stamp) error {
	if !s.Has(stamp.Hash) {
		return fmt.Errorf("restore %s: hash %s not in artifact store", stamp.Path, stamp.Hash)
	}
	if err := os.MkdirAll(filepath.Dir(stamp.Path.Abs()), 0o755); err != nil {
		return fmt.Errorf("restore %s: %w", stamp.Path, err)
	}

	dst := stamp.Path.Abs()
	tmp := dst + ".redux.tmp"
	if err := copyFile(s.StorePath(stamp.Hash), tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore %s: %w", stamp.Path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore %s: %w", stamp.Path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
