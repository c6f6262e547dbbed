package peer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
)

// fakePeer describes how one peer answers in fakeFetcher.
type fakePeer struct {
	down    bool
	chunks  map[uint32][]byte
	tamper  map[uint32]bool
	missing map[uint32]bool
}

type fakeFetcher struct {
	peers map[protocol.PeerAddress]*fakePeer
	delay time.Duration

	mu    sync.Mutex
	calls map[uint32][]protocol.PeerAddress

	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		peers: make(map[protocol.PeerAddress]*fakePeer),
		calls: make(map[uint32][]protocol.PeerAddress),
	}
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, peer protocol.PeerAddress, filename string, index uint32, maxSize uint64) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[index] = append(f.calls[index], peer)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	fp, ok := f.peers[peer]
	if !ok || fp.down {
		return nil, fmt.Errorf("%w: connection refused", errdefs.ErrNetwork)
	}
	if fp.missing[index] {
		return nil, fmt.Errorf("%w: no such chunk", errdefs.ErrNotFound)
	}
	data := append([]byte(nil), fp.chunks[index]...)
	if fp.tamper[index] {
		data[len(data)/2] ^= 0xff
	}
	return data, nil
}

func (f *fakeFetcher) callsFor(index uint32) []protocol.PeerAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.PeerAddress(nil), f.calls[index]...)
}

var (
	peerA = protocol.PeerAddress{Host: "10.0.0.1", Port: 10001}
	peerB = protocol.PeerAddress{Host: "10.0.0.2", Port: 10001}
	peerC = protocol.PeerAddress{Host: "10.0.0.3", Port: 10001}
)

// buildFixture chunks size random bytes and returns the manifest with a
// fakePeer holding every chunk.
func buildFixture(t *testing.T, size int, chunkSize uint32) ([]byte, *manifest.Manifest, *fakePeer) {
	t.Helper()
	data := randomData(t, size)
	store := storage.NewMemoryStore()
	m, err := manifest.Build(bytes.NewReader(data), "fixture.bin", chunkSize, store)
	require.NoError(t, err)

	fp := &fakePeer{chunks: make(map[uint32][]byte)}
	for i := uint32(0); i < m.NumChunks; i++ {
		key, _ := storage.ChunkKey(m.Filename, int64(i))
		fp.chunks[i], err = store.Get(key)
		require.NoError(t, err)
	}
	return data, m, fp
}

func clonePeer(fp *fakePeer) *fakePeer {
	return &fakePeer{chunks: fp.chunks, tamper: map[uint32]bool{}, missing: map[uint32]bool{}}
}

func TestDownloadSinglePeer(t *testing.T) {
	data, m, fp := buildFixture(t, 300000, 131072)
	f := newFakeFetcher()
	f.peers[peerA] = fp

	a, err := NewDownloader(f, 4).WithMetrics(monitor.New()).Download(context.Background(), m, []protocol.PeerAddress{peerA}, nil)
	require.NoError(t, err)
	assert.Equal(t, data, a.Bytes())
	assert.Equal(t, int64(300000), a.Size())
	for _, src := range a.Sources {
		assert.Equal(t, peerA, src)
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	cases := []struct {
		size      int
		chunkSize uint32
	}{
		{0, 1},
		{1, 1},
		{300, 1},
		{10, 4096},
		{4095, 4096},
		{4097, 4096},
		{9999, 97},
		{300000, 131072},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("size=%d,chunk=%d", tc.size, tc.chunkSize), func(t *testing.T) {
			data, m, fp := buildFixture(t, tc.size, tc.chunkSize)
			f := newFakeFetcher()
			f.peers[peerA] = &fakePeer{down: true}
			f.peers[peerB] = fp

			a, err := NewDownloader(f, 8).WithMetrics(monitor.New()).Download(context.Background(), m, []protocol.PeerAddress{peerA, peerB}, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(tc.size), a.Size())
			assert.Equal(t, sha256.Sum256(data), sha256.Sum256(a.Bytes()))
		})
	}
}

func TestDownloadFallsBackToNextPeer(t *testing.T) {
	data, m, fp := buildFixture(t, 50000, 8192)
	f := newFakeFetcher()
	f.peers[peerA] = &fakePeer{down: true}
	f.peers[peerB] = fp

	a, err := NewDownloader(f, 3).WithMetrics(monitor.New()).Download(context.Background(), m, []protocol.PeerAddress{peerA, peerB}, nil)
	require.NoError(t, err)
	assert.Equal(t, data, a.Bytes())

	for i := uint32(0); i < m.NumChunks; i++ {
		// peer order is respected and a failed peer is not retried
		assert.Equal(t, []protocol.PeerAddress{peerA, peerB}, f.callsFor(i), "chunk %d", i)
		assert.Equal(t, peerB, a.Sources[i])
	}
}

func TestDownloadRejectsTamperedChunk(t *testing.T) {
	data, m, fp := buildFixture(t, 300000, 131072)
	f := newFakeFetcher()
	evil := clonePeer(fp)
	evil.tamper[1] = true
	f.peers[peerA] = evil
	f.peers[peerB] = fp

	metrics := monitor.New()
	tracker := NewDownloadTracker(m)
	a, err := NewDownloader(f, 2).WithMetrics(metrics).Download(context.Background(), m, []protocol.PeerAddress{peerA, peerB}, tracker)
	require.NoError(t, err)

	assert.Equal(t, data, a.Bytes())
	assert.Equal(t, peerA, a.Sources[0])
	assert.Equal(t, peerB, a.Sources[1])
	assert.Equal(t, peerA, a.Sources[2])
	assert.Equal(t, []protocol.PeerAddress{peerA, peerB}, f.callsFor(1))

	assert.Equal(t, int64(1), metrics.Snapshot().IntegrityFailures)
	p := tracker.GetProgress()
	assert.Equal(t, uint32(1), p.IntegrityFailures)
	assert.Equal(t, uint32(1), p.Fallbacks)
	assert.Equal(t, uint32(3), p.Completed)
	assert.True(t, tracker.IsComplete())
}

func TestDownloadNotFoundFallsBack(t *testing.T) {
	data, m, fp := buildFixture(t, 10000, 4096)
	partial := clonePeer(fp)
	partial.missing[0] = true
	f := newFakeFetcher()
	f.peers[peerA] = partial
	f.peers[peerB] = fp

	a, err := NewDownloader(f, 2).WithMetrics(monitor.New()).Download(context.Background(), m, []protocol.PeerAddress{peerA, peerB}, nil)
	require.NoError(t, err)
	assert.Equal(t, data, a.Bytes())
	assert.Equal(t, peerB, a.Sources[0])
}

func TestDownloadAllPeersExhausted(t *testing.T) {
	_, m, fp := buildFixture(t, 300000, 131072)
	f := newFakeFetcher()
	f.peers[peerA] = &fakePeer{down: true}
	bad := clonePeer(fp)
	bad.tamper[2] = true
	f.peers[peerB] = bad

	metrics := monitor.New()
	tracker := NewDownloadTracker(m)
	out := t.TempDir()
	path, err := NewDownloader(f, 3).WithMetrics(metrics).DownloadToFile(context.Background(), m, []protocol.PeerAddress{peerA, peerB}, out, tracker)
	require.Error(t, err)
	assert.Empty(t, path)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, []uint32{2}, dlErr.Indices())
	assert.Equal(t, uint32(2), dlErr.FirstFailed())
	assert.ErrorIs(t, dlErr.Failed[0].Err, errdefs.ErrIntegrity)
	assert.ErrorIs(t, dlErr.Failed[0].Err, errdefs.ErrNetwork)

	// every peer was tried exactly once for the failed chunk
	assert.Equal(t, []protocol.PeerAddress{peerA, peerB}, f.callsFor(2))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "no output file may exist after a failed download")

	assert.Equal(t, []uint32{2}, tracker.GetFailedChunks())
	assert.Equal(t, int64(1), metrics.Snapshot().DownloadsFailed)
}

func TestDownloadNoPeers(t *testing.T) {
	_, m, _ := buildFixture(t, 9000, 4096)
	_, err := NewDownloader(newFakeFetcher(), 2).WithMetrics(monitor.New()).Download(context.Background(), m, nil, nil)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, []uint32{0, 1, 2}, dlErr.Indices())
	assert.Equal(t, uint32(0), dlErr.FirstFailed())
}

func TestDownloadRespectsConcurrencyCap(t *testing.T) {
	_, m, fp := buildFixture(t, 40*1024, 1024)
	f := newFakeFetcher()
	f.delay = 15 * time.Millisecond
	f.peers[peerA] = fp

	_, err := NewDownloader(f, 3).WithMetrics(monitor.New()).Download(context.Background(), m, []protocol.PeerAddress{peerA}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, f.peak.Load(), int64(3))
	assert.GreaterOrEqual(t, f.peak.Load(), int64(2))
}

func TestDownloadEmptyFile(t *testing.T) {
	_, m, _ := buildFixture(t, 0, 1024)
	require.Equal(t, uint32(0), m.NumChunks)

	out := t.TempDir()
	path, err := NewDownloader(newFakeFetcher(), 4).WithMetrics(monitor.New()).DownloadToFile(context.Background(), m, []protocol.PeerAddress{peerA}, out, nil)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestDownloadToFileWritesAtomically(t *testing.T) {
	data, m, fp := buildFixture(t, 123457, 10000)
	f := newFakeFetcher()
	f.peers[peerC] = fp

	out := t.TempDir()
	path, err := NewDownloader(f, 8).WithMetrics(monitor.New()).DownloadToFile(context.Background(), m, []protocol.PeerAddress{peerC}, out, nil)
	require.NoError(t, err)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fixture.bin", entries[0].Name())
}

func TestDownloadRejectsInvalidManifest(t *testing.T) {
	m := &manifest.Manifest{Filename: "x.bin", Filesize: 10, ChunkSize: 4, NumChunks: 1}
	_, err := NewDownloader(newFakeFetcher(), 1).Download(context.Background(), m, []protocol.PeerAddress{peerA}, nil)
	assert.ErrorIs(t, err, errdefs.ErrMalformedManifest)
}
