package peer

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
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

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func startPeer(t *testing.T, store storage.Store, metrics *monitor.Metrics) (*PeerServer, protocol.PeerAddress) {
	t.Helper()
	p := NewPeerServer(PeerServerOpts{
		ListenAddr: "127.0.0.1:0",
		Store:      store,
		MaxConns:   8,
		Timeout:    2 * time.Second,
		Metrics:    metrics,
	})
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop() })

	addr, err := protocol.ParsePeerAddress(p.Addr())
	require.NoError(t, err)
	return p, addr
}

func dialPeer(t *testing.T, addr protocol.PeerAddress) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFetchChunkOverLoopback(t *testing.T) {
	data := randomData(t, 100_000)
	store := storage.NewMemoryStore()
	m, err := manifest.Build(bytes.NewReader(data), "clip.mov", 32*1024+7, store)
	require.NoError(t, err)

	metrics := monitor.New()
	_, addr := startPeer(t, store, metrics)
	fetcher := NewTCPFetcher(2 * time.Second)

	for i := uint32(0); i < m.NumChunks; i++ {
		got, err := fetcher.FetchChunk(context.Background(), addr, m.Filename, i, m.ChunkLen(i))
		require.NoError(t, err)
		require.NoError(t, m.Verify(i, got))
	}
	// the server records after its last write, which can trail our last read
	assert.Eventually(t, func() bool {
		s := metrics.Snapshot()
		return s.ChunksServed == int64(m.NumChunks) && s.BytesServed == int64(len(data))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFetchMissingChunk(t *testing.T) {
	_, addr := startPeer(t, storage.NewMemoryStore(), monitor.New())

	_, err := NewTCPFetcher(time.Second).FetchChunk(context.Background(), addr, "nothing.bin", 0, 1024)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	store := storage.NewMemoryStore()
	m, err := manifest.Build(bytes.NewReader(randomData(t, 4096)), "a.bin", 4096, store)
	require.NoError(t, err)
	_, addr := startPeer(t, store, monitor.New())

	_, err = NewTCPFetcher(time.Second).FetchChunk(context.Background(), addr, m.Filename, 0, 1000)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
}

func TestFetchUnreachablePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, _ := protocol.ParsePeerAddress(ln.Addr().String())
	ln.Close()

	_, err = NewTCPFetcher(500*time.Millisecond).FetchChunk(context.Background(), addr, "a.bin", 0, 10)
	assert.ErrorIs(t, err, errdefs.ErrNetwork)
}

func TestFetchStopsWhenCanceled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// answers OK then trickles part of the body and stalls
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req protocol.ChunkRequest
		if protocol.ReadMessage(conn, &req) != nil {
			return
		}
		protocol.WriteMessage(conn, protocol.ChunkResponseHeader{Status: protocol.StatusOK, Size: 1024})
		if protocol.ReadReady(conn) != nil {
			return
		}
		conn.Write(make([]byte, 100))
		time.Sleep(5 * time.Second)
	}()

	addr, err := protocol.ParsePeerAddress(ln.Addr().String())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = NewTCPFetcher(10*time.Second).FetchChunk(ctx, addr, "slow.bin", 0, 1024)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnknownCommand(t *testing.T) {
	_, addr := startPeer(t, storage.NewMemoryStore(), monitor.New())
	conn := dialPeer(t, addr)

	require.NoError(t, protocol.WriteMessage(conn, protocol.ChunkRequest{Cmd: "PUTCHUNK", Filename: "a.bin"}))
	var h protocol.ChunkResponseHeader
	require.NoError(t, protocol.ReadMessage(conn, &h))
	assert.Equal(t, protocol.StatusErr, h.Status)
	assert.Equal(t, protocol.MsgUnknownCommand, h.Message)
}

func TestMalformedRequest(t *testing.T) {
	_, addr := startPeer(t, storage.NewMemoryStore(), monitor.New())
	conn := dialPeer(t, addr)

	_, err := conn.Write([]byte{protocol.FrameTypeControl, 0, 0, 0, 3, 'b', 'a', 'd'})
	require.NoError(t, err)
	var h protocol.ChunkResponseHeader
	require.NoError(t, protocol.ReadMessage(conn, &h))
	assert.Equal(t, protocol.StatusErr, h.Status)
	assert.Equal(t, protocol.MsgInvalidRequest, h.Message)
}

func TestTraversalNeverLeavesStore(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt.chunk0"), []byte("secret"), 0644))
	store, err := storage.NewDiskStore(filepath.Join(parent, "store"))
	require.NoError(t, err)
	_, addr := startPeer(t, store, monitor.New())

	for _, name := range []string{"../../secret.txt", "../secret.txt", "/etc/passwd", `..\secret.txt`} {
		conn := dialPeer(t, addr)
		require.NoError(t, protocol.WriteMessage(conn, protocol.ChunkRequest{Cmd: protocol.CmdGetChunk, Filename: name}))
		var h protocol.ChunkResponseHeader
		require.NoError(t, protocol.ReadMessage(conn, &h))
		assert.Equal(t, protocol.StatusErr, h.Status, name)
		assert.Equal(t, protocol.MsgInvalidRequest, h.Message, name)
	}

	conn := dialPeer(t, addr)
	require.NoError(t, protocol.WriteMessage(conn, protocol.ChunkRequest{Cmd: protocol.CmdGetChunk, Filename: "a.bin", Index: -1}))
	var h protocol.ChunkResponseHeader
	require.NoError(t, protocol.ReadMessage(conn, &h))
	assert.Equal(t, protocol.StatusErr, h.Status)
}

// The body must not start until the requester acknowledges the header.
func TestServerWaitsForReady(t *testing.T) {
	store := storage.NewMemoryStore()
	m, err := manifest.Build(bytes.NewReader(randomData(t, 5000)), "r.bin", 5000, store)
	require.NoError(t, err)
	_, addr := startPeer(t, store, monitor.New())

	conn := dialPeer(t, addr)
	require.NoError(t, protocol.WriteMessage(conn, protocol.ChunkRequest{Cmd: protocol.CmdGetChunk, Filename: "r.bin"}))

	var h protocol.ChunkResponseHeader
	require.NoError(t, protocol.ReadMessage(conn, &h))
	require.Equal(t, protocol.StatusOK, h.Status)
	require.Equal(t, uint64(5000), h.Size)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := conn.Read(make([]byte, 1))
	assert.Zero(t, n)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, protocol.WriteReady(conn))
	body, err := protocol.ReadBody(conn, h.Size)
	require.NoError(t, err)
	assert.NoError(t, m.Verify(0, body))
}

func TestSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holiday.jpg")
	data := randomData(t, 70_000)
	require.NoError(t, os.WriteFile(path, data, 0644))

	store, err := storage.NewDiskStore(filepath.Join(dir, "store"))
	require.NoError(t, err)
	p, addr := startPeer(t, store, monitor.New())

	m, err := p.Seed(path, 16*1024)
	require.NoError(t, err)
	assert.Equal(t, "holiday.jpg", m.Filename)
	assert.Equal(t, uint32(5), m.NumChunks)

	key, _ := storage.ManifestKey("holiday.jpg")
	saved, err := manifest.Load(store, key)
	require.NoError(t, err)
	assert.Equal(t, m, saved)

	require.Len(t, p.Files(), 1)
	assert.Contains(t, p.GetStatus(), "holiday.jpg")

	a, err := NewDownloader(NewTCPFetcher(time.Second), 2).WithMetrics(monitor.New()).
		Download(context.Background(), m, []protocol.PeerAddress{addr}, nil)
	require.NoError(t, err)
	assert.Equal(t, data, a.Bytes())

	_, err = p.Seed(filepath.Join(dir, "missing.bin"), 0)
	assert.ErrorIs(t, err, errdefs.ErrStorage)
}

// One peer holds corrupt copies of every chunk, the other holds good ones;
// the download succeeds and never keeps a corrupt byte.
func TestDownloadAcrossRealPeers(t *testing.T) {
	data := randomData(t, 200_000)
	good := storage.NewMemoryStore()
	m, err := manifest.Build(bytes.NewReader(data), "dataset.csv", 64*1024, good)
	require.NoError(t, err)

	bad := storage.NewMemoryStore()
	for i := uint32(0); i < m.NumChunks; i++ {
		key, _ := storage.ChunkKey(m.Filename, int64(i))
		chunk, err := good.Get(key)
		require.NoError(t, err)
		chunk[0] ^= 0x01
		require.NoError(t, bad.Put(key, chunk))
	}

	_, badAddr := startPeer(t, bad, monitor.New())
	_, goodAddr := startPeer(t, good, monitor.New())

	metrics := monitor.New()
	d := NewDownloader(NewTCPFetcher(2*time.Second), 4).WithMetrics(metrics)
	tracker := NewDownloadTracker(m)

	out := t.TempDir()
	path, err := d.DownloadToFile(context.Background(), m, []protocol.PeerAddress{badAddr, goodAddr}, out, tracker)
	require.NoError(t, err)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)
	assert.Equal(t, int64(m.NumChunks), metrics.Snapshot().IntegrityFailures)
	assert.Equal(t, m.NumChunks, tracker.GetProgress().IntegrityFailures)
	assert.True(t, tracker.IsComplete())
}
