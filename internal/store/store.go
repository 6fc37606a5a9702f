// Package store implements the durable per-project runtime state, metrics,
// and log ring buffer described in spec.md §3, §4.A, on top of an embedded
// bbolt database.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketProjects = []byte("projects")
	bucketMetrics  = []byte("metrics")
	bucketLogs     = []byte("logs")
)

// ErrProjectNotFound names the missing-project-row condition. No Store
// method returns it: GetState reports a missing row as a nil state.
var ErrProjectNotFound = errors.New("project not found in store")

// Store is the single-process embedded database described in spec.md §4.A.
// bbolt admits only one writer transaction at a time, so every composite
// read-modify-write (IncWS/DecWS, UpdateActivity's history trim) is folded
// into a single db.Update callback rather than a separate read then write,
// which is what actually gives the atomicity spec.md §5 requires.
type Store struct {
	db *bbolt.DB
}

// DefaultStateDir returns $LAZYDEV_STATE_DIR, or ~/.local/share/lazydev if
// unset (spec.md §6).
func DefaultStateDir() (string, error) {
	if dir := os.Getenv("LAZYDEV_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "lazydev"), nil
}

// Open opens (initializing idempotently) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketProjects, bucketMetrics, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize state store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() int64 {
	return time.Now().UnixMilli()
}
