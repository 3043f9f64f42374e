// Package archivestore keeps finished WACZ files on disk, addressed by the
// SHA-256 of their content.
package archivestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Ext is the extension of stored archives.
const Ext = ".wacz"

var ErrNotFound = errors.New("archive not found")

// Store lays archives out as dir/{id[:2]}/{id}.wacz.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put stores data and returns its id, the hex SHA-256. Storing the same
// bytes twice is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	p := s.Path(id)
	if _, err := os.Stat(p); err == nil {
		return id, nil
	}
	if err := AtomicWriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return id, nil
}

// Get reads an archive and checks it still matches its id.
func (s *Store) Get(id string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != id {
		return nil, fmt.Errorf("archive integrity check failed: expected %s, got %s", id, got)
	}
	return data, nil
}

// Open returns a reader over a stored archive without loading it.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return f, nil
}

func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Delete removes an archive. Missing archives are not an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

// Path is where the archive with id lives. Ids shorter than two characters
// map to a directory no valid id can reach.
func (s *Store) Path(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.dir, "__invalid__", id+Ext)
	}
	return filepath.Join(s.dir, id[:2], id+Ext)
}
