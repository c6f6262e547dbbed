package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
	"tarun-kavipurapu/p2p-codeshare/pkg/transport"
	"tarun-kavipurapu/p2p-codeshare/pkg/transport/tcp"
)

type PeerServerOpts struct {
	ListenAddr string
	// Store holds this peer's chunks and manifests. Served read-only.
	Store    storage.Store
	MaxConns int
	Timeout  time.Duration
	Metrics  *monitor.Metrics
}

// PeerServer serves chunks from its store over the chunk protocol, one
// handler per connection up to MaxConns at a time.
type PeerServer struct {
	Transport transport.Transport
	store     storage.Store
	timeout   time.Duration
	metrics   *monitor.Metrics

	filesLock sync.RWMutex
	files     map[string]*manifest.Manifest // filename -> manifest of seeded files
}

func NewPeerServer(opts PeerServerOpts) *PeerServer {
	if opts.Timeout <= 0 {
		opts.Timeout = protocol.DefaultTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.Global
	}
	trans := tcp.NewTCPTransport(opts.ListenAddr, opts.MaxConns)
	p := &PeerServer{
		Transport: trans,
		store:     opts.Store,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		files:     make(map[string]*manifest.Manifest),
	}
	trans.SetHandler(p.handleConn)

	logger.Sugar.Infof("[PeerServer] Initialized with address: %s", opts.ListenAddr)
	return p
}

func (p *PeerServer) Start() error {
	if err := p.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}
	logger.Sugar.Infof("[PeerServer] serving chunks on %s", p.Transport.Addr())
	return nil
}

func (p *PeerServer) Stop() error {
	logger.Sugar.Infof("[PeerServer] stopping: addr=%s", p.Transport.Addr())
	return p.Transport.Close()
}

func (p *PeerServer) Addr() string {
	return p.Transport.Addr()
}

func (p *PeerServer) Store() storage.Store {
	return p.store
}

// Seed chunks the file at path into this peer's store and starts advertising
// it in GetStatus.
func (p *PeerServer) Seed(path string, chunkSize uint32) (*manifest.Manifest, error) {
	m, err := SeedFile(p.store, path, chunkSize)
	if err != nil {
		return nil, err
	}
	p.filesLock.Lock()
	p.files[m.Filename] = m
	p.filesLock.Unlock()
	return m, nil
}

// Files returns the manifests seeded through this server, sorted by name.
func (p *PeerServer) Files() []*manifest.Manifest {
	p.filesLock.RLock()
	defer p.filesLock.RUnlock()

	list := make([]*manifest.Manifest, 0, len(p.files))
	for _, m := range p.files {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Filename < list[j].Filename })
	return list
}

func (p *PeerServer) GetStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Peer serving on: %s\n", p.Transport.Addr())
	if t, ok := p.Transport.(*tcp.TCPTransport); ok {
		fmt.Fprintf(&b, "Active connections: %d/%d\n", t.ActiveConns(), t.MaxConns())
	}
	s := p.metrics.Snapshot()
	fmt.Fprintf(&b, "Chunks served: %d (%d bytes)\n", s.ChunksServed, s.BytesServed)
	files := p.Files()
	fmt.Fprintf(&b, "Seeded files: %d\n", len(files))
	for _, m := range files {
		fmt.Fprintf(&b, " - %s: %d bytes, %d chunks of %d\n", m.Filename, m.Filesize, m.NumChunks, m.ChunkSize)
	}
	return b.String()
}

// handleConn runs the responder side of one exchange:
// RequestReceived -> HeaderSent -> AwaitingAck -> StreamingBody -> Complete.
func (p *PeerServer) handleConn(raw net.Conn) {
	conn := tcp.WithIOTimeout(raw, p.timeout)
	remote := raw.RemoteAddr().String()

	var req protocol.ChunkRequest
	if err := protocol.ReadMessage(conn, &req); err != nil {
		logger.Sugar.Debugf("[PeerServer] bad request: remote=%s err=%v", remote, err)
		if errors.Is(err, errdefs.ErrProtocol) {
			p.reply(conn, remote, protocol.ErrorHeader(protocol.MsgInvalidRequest))
		}
		return
	}

	if req.Cmd != protocol.CmdGetChunk {
		logger.Sugar.Warnf("[PeerServer] unknown command: remote=%s cmd=%q", remote, req.Cmd)
		p.reply(conn, remote, protocol.ErrorHeader(protocol.MsgUnknownCommand))
		return
	}

	key, err := storage.ChunkKey(req.Filename, req.Index)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] rejected chunk name: remote=%s file=%q index=%d err=%v", remote, req.Filename, req.Index, err)
		p.reply(conn, remote, protocol.ErrorHeader(protocol.MsgInvalidRequest))
		return
	}

	size, r, err := p.store.Open(key)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			logger.Sugar.Debugf("[PeerServer] no such chunk: remote=%s key=%s", remote, key)
			p.reply(conn, remote, protocol.ErrorHeader(protocol.MsgNoSuchChunk))
			return
		}
		logger.Sugar.Errorf("[PeerServer] storage failure: key=%s err=%v", key, err)
		p.reply(conn, remote, protocol.ErrorHeader(protocol.MsgInternalFailure))
		return
	}
	defer r.Close()

	if !p.reply(conn, remote, protocol.ChunkResponseHeader{Status: protocol.StatusOK, Size: uint64(size)}) {
		return
	}

	if err := protocol.ReadReady(conn); err != nil {
		logger.Sugar.Debugf("[PeerServer] no ready token: remote=%s key=%s err=%v", remote, key, err)
		return
	}

	buf := make([]byte, protocol.BlockSize)
	written, err := io.CopyBuffer(conn, io.LimitReader(r, size), buf)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] body stream aborted: remote=%s key=%s sent=%d/%d err=%v", remote, key, written, size, err)
		return
	}
	if written != size {
		logger.Sugar.Errorf("[PeerServer] storage failure: key=%s short read %d/%d", key, written, size)
		return
	}

	p.metrics.RecordServed(written)
	logger.Sugar.Debugf("[PeerServer] sent chunk: remote=%s file=%s index=%d bytes=%d", remote, req.Filename, req.Index, written)
}

func (p *PeerServer) reply(conn net.Conn, remote string, h protocol.ChunkResponseHeader) bool {
	if err := protocol.WriteMessage(conn, h); err != nil {
		logger.Sugar.Debugf("[PeerServer] failed to send header: remote=%s err=%v", remote, err)
		return false
	}
	return true
}

// SeedFile chunks the file at path into store and writes its manifest
// artifact under storage.ManifestKey(filename).
func SeedFile(store storage.Store, path string, chunkSize uint32) (*manifest.Manifest, error) {
	if chunkSize == 0 {
		chunkSize = manifest.DefaultChunkSize
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errdefs.ErrStorage, path, err)
	}
	defer file.Close()

	m, err := manifest.Build(file, filepath.Base(path), chunkSize, store)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk %s: %w", path, err)
	}

	key, err := storage.ManifestKey(m.Filename)
	if err != nil {
		return nil, err
	}
	if err := manifest.Save(store, key, m); err != nil {
		return nil, fmt.Errorf("failed to save manifest: %w", err)
	}

	logger.Sugar.Infof("[Seed] %s: %d bytes in %d chunks, manifest at %s", m.Filename, m.Filesize, m.NumChunks, key)
	return m, nil
}
