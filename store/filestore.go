package store

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// FileStore is a Store backed by a directory on a shared filesystem, one
// file per key, for rendezvous across processes (or machines sharing a
// mount). Waits poll; the poll interval is coarse because the store is only
// used during setup.
type FileStore struct {
	dir          string
	timeout      time.Duration
	pollInterval time.Duration
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates (if needed) dir and returns a FileStore over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "store: cannot create directory %q", dir)
	}
	return &FileStore{
		dir:          dir,
		timeout:      DefaultTimeout,
		pollInterval: 10 * time.Millisecond,
	}, nil
}

// SetTimeout changes the timeout applied to blocking Get calls.
func (s *FileStore) SetTimeout(timeout time.Duration) { s.timeout = timeout }

// path encodes the key so that separators and other unsafe characters can't
// escape the store directory.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key)))
}

// Set implements Store. The write is atomic (write to temp file, rename) so
// a concurrent Get never observes a partial value.
func (s *FileStore) Set(key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "store: creating temp file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrapf(err, "store: writing key %q", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "store: writing key %q", key)
	}
	if err := os.Rename(name, s.path(key)); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "store: publishing key %q", key)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(key string) ([]byte, error) {
	if err := s.Wait([]string{key}, s.timeout); err != nil {
		return nil, err
	}
	value, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, errors.Wrapf(err, "store: reading key %q", key)
	}
	return value, nil
}

// Wait implements Store.
func (s *FileStore) Wait(keys []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		missing := ""
		for _, key := range keys {
			if _, err := os.Stat(s.path(key)); err != nil {
				missing = key
				break
			}
		}
		if missing == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("store: timed out after %s waiting for key %q", timeout, missing)
		}
		time.Sleep(s.pollInterval)
	}
}
