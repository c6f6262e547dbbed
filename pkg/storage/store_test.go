package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	disk, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	bdg, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bdg.Close() })

	return map[string]Store{
		"disk":   disk,
		"badger": bdg,
		"memory": NewMemoryStore(),
	}
}

func TestStoreBackends(t *testing.T) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			key, err := ChunkKey("movie.mp4", 7)
			require.NoError(t, err)
			assert.Equal(t, "chunks/movie.mp4.chunk7", key)

			assert.False(t, store.Has(key))
			_, err = store.Get(key)
			assert.ErrorIs(t, err, errdefs.ErrNotFound)
			_, _, err = store.Open(key)
			assert.ErrorIs(t, err, errdefs.ErrNotFound)
			assert.ErrorIs(t, store.Delete(key), errdefs.ErrNotFound)

			payload := []byte("chunk payload bytes")
			require.NoError(t, store.Put(key, payload))
			assert.True(t, store.Has(key))

			got, err := store.Get(key)
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			size, r, err := store.Open(key)
			require.NoError(t, err)
			streamed, err := io.ReadAll(r)
			require.NoError(t, err)
			r.Close()
			assert.Equal(t, int64(len(payload)), size)
			assert.Equal(t, payload, streamed)

			// overwrite replaces
			require.NoError(t, store.Put(key, []byte("v2")))
			got, err = store.Get(key)
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, store.Delete(key))
			assert.False(t, store.Has(key))

			empty, err := ManifestKey("empty.txt")
			require.NoError(t, err)
			require.NoError(t, store.Put(empty, nil))
			got, err = store.Get(empty)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	bad := []string{
		"../../etc/passwd",
		"chunks/../../secret",
		"chunks/..",
		"chunks/a\\b",
		"/etc/passwd",
		"nonamespace",
		"chunks/",
		"chunks/a:b",
	}
	for name, store := range backends(t) {
		for _, key := range bad {
			assert.Error(t, store.Put(key, []byte("x")), "%s put %q", name, key)
			_, err := store.Get(key)
			assert.ErrorIs(t, err, errdefs.ErrNotFound, "%s get %q", name, key)
			assert.False(t, store.Has(key), "%s has %q", name, key)
		}
	}
}

func TestDiskStoreStaysUnderRoot(t *testing.T) {
	parent := t.TempDir()
	secret := filepath.Join(parent, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("top secret"), 0644))

	store, err := NewDiskStore(filepath.Join(parent, "store"))
	require.NoError(t, err)

	_, err = store.Get("chunks/../../secret.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, _, err = store.Open("../secret.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// directories are not blobs
	require.NoError(t, os.MkdirAll(filepath.Join(store.RootDir, "chunks", "dir.chunk0"), 0755))
	_, _, err = store.Open("chunks/dir.chunk0")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.False(t, store.Has("chunks/dir.chunk0"))
}

func TestChunkKey(t *testing.T) {
	key, err := ChunkKey("report.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, "chunks/report.pdf.chunk0", key)

	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`, "a\x00b", strings.Repeat("x", 256)} {
		_, err := ChunkKey(name, 0)
		assert.ErrorIs(t, err, errdefs.ErrNotFound, "name %q", name)
	}
	_, err = ChunkKey("ok.bin", -1)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestManifestKey(t *testing.T) {
	key, err := ManifestKey("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "manifests/report.pdf.meta.json", key)
}

func TestOpenBackend(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open("disk", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &DiskStore{}, s)

	_, err = Open("s3", t.TempDir())
	assert.Error(t, err)
}
