// Package manifest splits files into fixed-size chunks and describes them by
// per-chunk SHA-256 digests.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
)

// DefaultChunkSize matches the seeder default of 256 KiB.
const DefaultChunkSize = 256 * 1024

// Digest is a SHA-256 hash, hex encoded in JSON.
type Digest [sha256.Size]byte

func HashChunk(data []byte) Digest {
	return sha256.Sum256(data)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != sha256.Size {
		return fmt.Errorf("digest must be %d hex characters, got %d", sha256.Size*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// Manifest is immutable once built.
type Manifest struct {
	Filename    string   `json:"filename"`
	Filesize    uint64   `json:"filesize"`
	ChunkSize   uint32   `json:"chunk_size"`
	NumChunks   uint32   `json:"num_chunks"`
	ChunkHashes []Digest `json:"chunk_hashes"`
}

// ChunkCount returns ceil(filesize / chunkSize). The result can exceed
// math.MaxUint32, which no manifest can describe.
func ChunkCount(filesize uint64, chunkSize uint32) uint64 {
	if chunkSize == 0 {
		return 0
	}
	c := uint64(chunkSize)
	n := filesize / c
	if filesize%c != 0 {
		n++
	}
	return n
}

// Offset returns the first byte of chunk i in the original file.
func (m *Manifest) Offset(i uint32) uint64 {
	return uint64(i) * uint64(m.ChunkSize)
}

// ChunkLen returns the exact length of chunk i; only the last chunk may be short.
func (m *Manifest) ChunkLen(i uint32) uint64 {
	if i >= m.NumChunks {
		return 0
	}
	start := m.Offset(i)
	end := start + uint64(m.ChunkSize)
	if end > m.Filesize {
		end = m.Filesize
	}
	return end - start
}

// Verify checks data against the expected length and digest of chunk i.
func (m *Manifest) Verify(i uint32, data []byte) error {
	if i >= m.NumChunks {
		return fmt.Errorf("%w: chunk %d out of range (%d chunks)", errdefs.ErrNotFound, i, m.NumChunks)
	}
	if want := m.ChunkLen(i); uint64(len(data)) != want {
		return fmt.Errorf("%w: chunk %d is %d bytes, want %d", errdefs.ErrIntegrity, i, len(data), want)
	}
	if got := HashChunk(data); got != m.ChunkHashes[i] {
		return fmt.Errorf("%w: chunk %d digest %s, want %s", errdefs.ErrIntegrity, i, got.String()[:16], m.ChunkHashes[i].String()[:16])
	}
	return nil
}

// Validate checks the structural invariants of m.
func (m *Manifest) Validate() error {
	if err := storage.ValidateName(m.Filename); err != nil {
		return fmt.Errorf("%w: filename: %v", errdefs.ErrMalformedManifest, err)
	}
	if m.ChunkSize == 0 {
		return fmt.Errorf("%w: chunk_size must be >= 1", errdefs.ErrMalformedManifest)
	}
	if int(m.NumChunks) != len(m.ChunkHashes) {
		return fmt.Errorf("%w: num_chunks %d != %d chunk hashes", errdefs.ErrMalformedManifest, m.NumChunks, len(m.ChunkHashes))
	}
	want := ChunkCount(m.Filesize, m.ChunkSize)
	if want > math.MaxUint32 {
		return fmt.Errorf("%w: filesize %d needs %d chunks of %d, over the limit", errdefs.ErrMalformedManifest, m.Filesize, want, m.ChunkSize)
	}
	if uint64(m.NumChunks) != want {
		return fmt.Errorf("%w: num_chunks %d, want %d for filesize %d", errdefs.ErrMalformedManifest, m.NumChunks, want, m.Filesize)
	}
	return nil
}

// ID is a content-addressed identifier: the digest of the compact encoding.
func (m *Manifest) ID() string {
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Marshal encodes m in the persisted artifact format.
func Marshal(m *Manifest) ([]byte, error) {
	if m.ChunkHashes == nil {
		cp := *m
		cp.ChunkHashes = []Digest{}
		m = &cp
	}
	return json.MarshalIndent(m, "", "  ")
}

// wireManifest detects missing fields, which a plain struct decode would zero.
type wireManifest struct {
	Filename    *string   `json:"filename"`
	Filesize    *uint64   `json:"filesize"`
	ChunkSize   *uint32   `json:"chunk_size"`
	NumChunks   *uint32   `json:"num_chunks"`
	ChunkHashes *[]Digest `json:"chunk_hashes"`
}

// Unmarshal decodes and validates a manifest artifact.
func Unmarshal(data []byte) (*Manifest, error) {
	var w wireManifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMalformedManifest, err)
	}

	var missing []string
	if w.Filename == nil {
		missing = append(missing, "filename")
	}
	if w.Filesize == nil {
		missing = append(missing, "filesize")
	}
	if w.ChunkSize == nil {
		missing = append(missing, "chunk_size")
	}
	if w.NumChunks == nil {
		missing = append(missing, "num_chunks")
	}
	if w.ChunkHashes == nil {
		missing = append(missing, "chunk_hashes")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing fields %v", errdefs.ErrMalformedManifest, missing)
	}

	m := &Manifest{
		Filename:    *w.Filename,
		Filesize:    *w.Filesize,
		ChunkSize:   *w.ChunkSize,
		NumChunks:   *w.NumChunks,
		ChunkHashes: *w.ChunkHashes,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Build streams src in chunkSize blocks, persists each block in store under
// storage.ChunkKey(filename, i) and records its digest. Read and write
// failures are returned wrapped in errdefs.ErrStorage.
func Build(src io.Reader, filename string, chunkSize uint32, store storage.Store) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be >= 1")
	}
	if err := storage.ValidateName(filename); err != nil {
		return nil, fmt.Errorf("invalid filename: %w", err)
	}

	m := &Manifest{
		Filename:    filename,
		ChunkSize:   chunkSize,
		ChunkHashes: []Digest{},
	}
	buf := make([]byte, chunkSize)

	for index := int64(0); ; index++ {
		n, err := io.ReadFull(src, buf)
		if n == 0 {
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %d read: %v", errdefs.ErrStorage, index, err)
			}
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: chunk %d read: %v", errdefs.ErrStorage, index, err)
		}

		if index >= math.MaxUint32 {
			return nil, fmt.Errorf("file has more than %d chunks of %d bytes", uint64(math.MaxUint32), chunkSize)
		}
		block := buf[:n]
		key, kerr := storage.ChunkKey(filename, index)
		if kerr != nil {
			return nil, kerr
		}
		if perr := store.Put(key, block); perr != nil {
			return nil, fmt.Errorf("chunk %d persist: %w", index, perr)
		}

		m.ChunkHashes = append(m.ChunkHashes, HashChunk(block))
		m.Filesize += uint64(n)

		// a short read means this was the last block
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}

	m.NumChunks = uint32(len(m.ChunkHashes))
	return m, nil
}

// Load reads and validates the manifest artifact stored under key.
func Load(store storage.Store, key string) (*Manifest, error) {
	data, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Save persists m under key.
func Save(store storage.Store, key string, m *Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	return store.Put(key, data)
}
