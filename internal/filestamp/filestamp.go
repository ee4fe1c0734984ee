// Package filestamp pairs a path with a content hash and can tell
// whether that pairing still describes the file on disk.
package filestamp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/localpath"
)

// blockSize is the I/O buffer used while streaming a file through the
// hasher, matching the buffer the teacher's content verifier uses for
// range hashing.
const blockSize = 64 * 1024

// Hash is a hex-encoded SHA-256 digest.
type Hash string

// New hashes the file at abs and returns its digest.
func New(abs string) (Hash, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", abs, err)
	}
	return Hash(hex.EncodeToString(hasher.Sum(nil))), nil
}

// HashReader hashes an arbitrary stream, used to stamp data that
// doesn't live at a path on disk (e.g. bytes piped into "redux build
// --stamp" on stdin).
func HashReader(r io.Reader) (Hash, error) {
	hasher := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, r, buf); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return Hash(hex.EncodeToString(hasher.Sum(nil))), nil
}

// Stamp is a path together with the content hash it had when the stamp
// was taken.
type Stamp struct {
	Path localpath.Path
	Hash Hash
}

// Take stamps the file currently at p.
func Take(p localpath.Path) (Stamp, error) {
	h, err := New(p.Abs())
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{Path: p, Hash: h}, nil
}

// String renders the wire form "path@hexhash" used by tracefiles and
// JobSpecs.
func (s Stamp) String() string {
	return fmt.Sprintf("%s@%s", s.Path, s.Hash)
}

// Parse parses the "path@hexhash" wire form.
func Parse(e *env.Env, s string) (Stamp, error) {
	path, hash, ok := strings.Cut(s, "@")
	if !ok {
		return Stamp{}, fmt.Errorf("filestamp %q: missing @ separator", s)
	}
	if hash == "" {
		return Stamp{}, fmt.Errorf("filestamp %q: empty hash", s)
	}
	return Stamp{Path: localpath.New(e, path), Hash: Hash(hash)}, nil
}

// IsValid reports whether the file still on disk at s.Path hashes to
// s.Hash. A missing file is "not valid", not an error; a file that
// exists but cannot be read is reported as an error.
func (s Stamp) IsValid() (bool, error) {
	if !s.Path.Exists() {
		return false, nil
	}
	current, err := New(s.Path.Abs())
	if err != nil {
		return false, fmt.Errorf("stamp check %s: %w", s.Path, err)
	}
	return current == s.Hash, nil
}

// Less orders stamps by path then hash, for deterministic output.
func (s Stamp) Less(other Stamp) bool {
	if s.Path.String() != other.Path.String() {
		return s.Path.Less(other.Path)
	}
	return s.Hash < other.Hash
}
