package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
)

func testEnv(t *testing.T) *env.Env {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	e, err := env.New(root)
	if err != nil {
		t.Fatalf("env.New: %v", err)
	}
	return e
}

func stampFile(t *testing.T, e *env.Env, rel, content string) filestamp.Stamp {
	t.Helper()
	abs := filepath.Join(e.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	p, err := localpath.From(e, abs)
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	stamp, err := filestamp.Take(p)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	return stamp
}

func TestInsertThenHas(t *testing.T) {
	e := testEnv(t)
	store, err := New(e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stamp := stampFile(t, e, "a.txt", "hello")

	if store.Has(stamp.Hash) {
		t.Fatal("should not be present before Insert")
	}
	if err := store.Insert(stamp); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !store.Has(stamp.Hash) {
		t.Fatal("should be present after Insert")
	}
	if _, err := os.Stat(store.StorePath(stamp.Hash)); err != nil {
		t.Fatalf("artifact missing on disk: %v", err)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	e := testEnv(t)
	store, err := New(e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stamp := stampFile(t, e, "a.txt", "hello")
	if err := store.Insert(stamp); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := store.Insert(stamp); err != nil {
		t.Fatalf("second Insert should be a silent no-op: %v", err)
	}
}

func TestRestoreRecreatesContentAsAWritableCopy(t *testing.T) {
	e := testEnv(t)
	store, err := New(e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stamp := stampFile(t, e, "src/a.txt", "the content")
	if err := store.Insert(stamp); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dstAbs := filepath.Join(e.Root, "dst", "b.txt")
	dstPath, err := localpath.From(e, dstAbs)
	if err != nil {
		t.Fatalf("From: %v", err)
	}
	restoreStamp := filestamp.Stamp{Path: dstPath, Hash: stamp.Hash}

	if err := store.Restore(restoreStamp); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	data, err := os.ReadFile(dstAbs)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "the content" {
		t.Fatalf("restored content = %q, want %q", data, "the content")
	}

	info, err := os.Stat(dstAbs)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0o200 == 0 {
		t.Fatalf("restored file should be writable: mode %v", info.Mode())
	}

	storeInfo, err := os.Stat(store.StorePath(stamp.Hash))
	if err != nil {
		t.Fatalf("stat store object: %v", err)
	}
	if os.SameFile(storeInfo, info) {
		t.Fatal("restored file should not share an inode with the store object")
	}
}

func TestRestoreWithoutInsertFails(t *testing.T) {
	e := testEnv(t)
	store, err := New(e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	missing := filestamp.Stamp{Path: localpath.New(e, "never.txt"), Hash: "deadbeef"}
	if err := store.Restore(missing); err == nil {
		t.Fatal("expected Restore to fail for a hash never inserted")
	}
}

func TestNewDiscoversPreviouslyInsertedArtifacts(t *testing.T) {
	e := testEnv(t)
	store1, err := New(e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stamp := stampFile(t, e, "a.txt", "persisted")
	if err := store1.Insert(stamp); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	store2, err := New(e)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if !store2.Has(stamp.Hash) {
		t.Fatal("a fresh Store should see artifacts inserted by an earlier one")
	}
}
