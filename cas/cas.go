// Package cas provides content-addressable payload storage.
//
// Payloads are keyed by the hex SHA-256 of their content and stored one
// file per unique hash under the store directory, optionally sharded by
// hash prefix. Because keys are content hashes, a hit is implicitly the
// right content; optional verification on open guards against on-disk
// corruption.
//
// Writes go through a temp file and an atomic rename, so a payload file
// is never observable in a partially written state. The store is safe
// for concurrent use.
package cas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	clearWorkers          = 8
)

// ErrHashMismatch is returned when stored content does not match its hash.
var ErrHashMismatch = errors.New("cas: hash verification failed")

// Sum returns the hex SHA-256 digest of content: the payload's identity.
func Sum(content []byte) string {
	return digest.SHA256.FromBytes(content).Encoded()
}

// Store is a hash-keyed file store.
type Store struct {
	dir            string      // root directory for payload files
	shardPrefixLen int         // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode // permissions for created directories
	compression    Compression // on-disk payload encoding
	verifyOnOpen   bool        // re-hash content when opening
	codec          *codec      // nil unless compression is enabled
}

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithCompression selects the on-disk payload encoding. The choice is a
// per-directory layout decision: every file written by the store uses
// it, and a directory must always be opened with the setting it was
// written with. Defaults to CompressionNone (raw payload bytes).
func WithCompression(c Compression) Option {
	return func(s *Store) {
		s.compression = c
	}
}

// WithVerifyOnOpen re-hashes content on Open and fails the read with
// ErrHashMismatch when the stored bytes no longer match their key.
func WithVerifyOnOpen(enabled bool) Option {
	return func(s *Store) {
		s.verifyOnOpen = enabled
	}
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cas: dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("cas: shard prefix length must be >= 0")
	}
	if s.compression != CompressionNone {
		c, err := newCodec()
		if err != nil {
			return nil, err
		}
		s.codec = c
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

// Write stores content and returns its hash. Writing content that is
// already stored is a no-op returning the same hash. The returned hash
// only becomes valid once the payload file is fully on disk.
func (s *Store) Write(content []byte) (string, error) {
	hash := Sum(content)
	path, err := s.path(hash)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return hash, nil
	}

	encoded, err := s.encode(content)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, s.dirPerm); mkdirErr != nil {
		return "", mkdirErr
	}

	tmp, err := os.CreateTemp(dir, "cas-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// A concurrent writer may have won the rename; identical
		// content produces an identical file.
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return hash, nil
		}
		_ = os.Remove(tmpPath)
		return "", err
	}
	return hash, nil
}

// Exists reports whether a payload with the given hash is stored.
func (s *Store) Exists(hash string) bool {
	path, err := s.path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Open returns a reader over the payload with the given hash, or
// ok == false when the payload is absent. The caller must close the
// reader. With WithVerifyOnOpen, reads fail with ErrHashMismatch when
// the stored content does not hash to its key.
func (s *Store) Open(hash string) (io.ReadCloser, bool) {
	path, err := s.path(hash)
	if err != nil {
		return nil, false
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from hash, not user input
	if err != nil {
		return nil, false
	}

	if s.codec == nil {
		if !s.verifyOnOpen {
			return f, true
		}
		return newVerifyReader(f, hash), true
	}

	// Compressed layout: decode the whole payload, then hand out an
	// in-memory reader. Payloads are individual email files, small
	// enough to decode eagerly.
	defer f.Close()
	encoded, err := io.ReadAll(f)
	if err != nil {
		return nil, false
	}
	content, err := s.codec.decode(encoded)
	if err != nil {
		return nil, false
	}
	if s.verifyOnOpen && Sum(content) != hash {
		return &errReader{err: fmt.Errorf("open %s: %w", hash, ErrHashMismatch)}, true
	}
	return io.NopCloser(bytes.NewReader(content)), true
}

// Read is a convenience that opens and fully reads a payload.
func (s *Store) Read(hash string) ([]byte, error) {
	rc, ok := s.Open(hash)
	if !ok {
		return nil, fmt.Errorf("cas: payload %s not stored", hash)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes the payload with the given hash. Deleting an absent
// payload is a no-op: the desired end state already holds.
func (s *Store) Delete(hash string) error {
	path, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every stored payload. File removals run in parallel;
// empty shard directories are swept afterwards.
func (s *Store) Clear() error {
	var paths []string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(clearWorkers)
	for _, path := range paths {
		path := path
		eg.Go(func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if s.shardPrefixLen > 0 {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				_ = os.Remove(filepath.Join(s.dir, entry.Name()))
			}
		}
	}
	return nil
}

// Size returns the total on-disk size of all stored payload files.
func (s *Store) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

func (s *Store) path(hash string) (string, error) {
	if hash == "" {
		return "", errors.New("cas: hash is empty")
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("cas: invalid hash %q", hash)
		}
	}
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hash), nil
	}
	prefixLen := s.shardPrefixLen
	if prefixLen > len(hash) {
		prefixLen = len(hash)
	}
	return filepath.Join(s.dir, hash[:prefixLen], hash), nil
}

// errReader is a ReadCloser that fails every read with a fixed error.
type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
func (r *errReader) Close() error             { return nil }
