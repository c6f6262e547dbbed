package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
)

// DiskStore keeps one file per key under RootDir.
type DiskStore struct {
	RootDir string
}

func NewDiskStore(rootDir string) (*DiskStore, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}
	return &DiskStore{RootDir: abs}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	full := filepath.Join(s.RootDir, filepath.FromSlash(key))
	if !strings.HasPrefix(full, s.RootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes store root", errdefs.ErrNotFound, key)
	}
	return full, nil
}

// Put writes data to a temp file and renames it into place, so concurrent
// readers see either the old blob or the new one.
func (s *DiskStore) Put(key string, data []byte) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", errdefs.ErrStorage, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errdefs.ErrStorage, key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("%w: rename %s: %v", errdefs.ErrStorage, key, err)
	}
	return nil
}

func (s *DiskStore) Get(key string) ([]byte, error) {
	size, r, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrStorage, key, err)
	}
	return data, nil
}

func (s *DiskStore) Open(key string) (int64, io.ReadCloser, error) {
	full, err := s.path(key)
	if err != nil {
		return 0, nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		return 0, nil, wrapFSErr(key, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, nil, wrapFSErr(key, err)
	}
	if !fi.Mode().IsRegular() {
		file.Close()
		return 0, nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
	}
	return fi.Size(), file, nil
}

func (s *DiskStore) Delete(key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return wrapFSErr(key, err)
	}
	return nil
}

func (s *DiskStore) Has(key string) bool {
	full, err := s.path(key)
	if err != nil {
		return false
	}
	fi, err := os.Stat(full)
	return err == nil && fi.Mode().IsRegular()
}

func (s *DiskStore) Close() error { return nil }

func wrapFSErr(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
	}
	return fmt.Errorf("%w: %s: %v", errdefs.ErrStorage, key, err)
}
