package storage

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
)

const (
	chunkNamespace    = "chunks"
	manifestNamespace = "manifests"
	maxNameLen        = 255
)

// Store is a flat key -> bytes blob store. Keys are slash separated and must
// pass ValidateKey; implementations never resolve a key outside their root.
type Store interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	// Open returns the blob size and a reader over its contents.
	Open(key string) (int64, io.ReadCloser, error)
	Delete(key string) error
	Has(key string) bool
	Close() error
}

// ValidateName checks a single peer- or user-supplied name component.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", errdefs.ErrNotFound)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: name too long", errdefs.ErrNotFound)
	case name == "." || strings.Contains(name, ".."):
		return fmt.Errorf("%w: traversal sequence in %q", errdefs.ErrNotFound, name)
	case strings.ContainsAny(name, "/\\\x00:"):
		return fmt.Errorf("%w: path separator in %q", errdefs.ErrNotFound, name)
	}
	return nil
}

// ValidateKey checks every component of key.
func ValidateKey(key string) error {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return fmt.Errorf("%w: key %q has no namespace", errdefs.ErrNotFound, key)
	}
	for _, p := range parts {
		if err := ValidateName(p); err != nil {
			return err
		}
	}
	return nil
}

// ChunkKey maps (filename, index) to the key of a stored chunk.
func ChunkKey(filename string, index int64) (string, error) {
	if err := ValidateName(filename); err != nil {
		return "", err
	}
	if index < 0 {
		return "", fmt.Errorf("%w: negative chunk index %d", errdefs.ErrNotFound, index)
	}
	return chunkNamespace + "/" + filename + ".chunk" + strconv.FormatInt(index, 10), nil
}

// ManifestKey maps a manifest identifier (a filename or content digest) to
// the key of its persisted artifact.
func ManifestKey(id string) (string, error) {
	if err := ValidateName(id); err != nil {
		return "", err
	}
	return manifestNamespace + "/" + id + ".meta.json", nil
}

// Open creates the store for backend rooted at dir.
func Open(backend string, dir string) (Store, error) {
	switch backend {
	case "", "disk":
		return NewDiskStore(dir)
	case "badger":
		return NewBadgerStore(dir)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
