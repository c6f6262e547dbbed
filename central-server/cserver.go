package centralserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"tarun-kavipurapu/p2p-codeshare/peer"
	"tarun-kavipurapu/p2p-codeshare/pkg/discovery"
	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
)

const (
	maxRegisterBody   = 16 << 20
	multipartMemLimit = 32 << 20
	shutdownTimeout   = 5 * time.Second
)

type BrokerOpts struct {
	ListenAddr string
	// Store keeps manifest artifacts for live sessions.
	Store         storage.Store
	SessionTTL    time.Duration
	SweepInterval time.Duration
	// ChunkSize is used by /api/upload when the form does not set one.
	ChunkSize uint32
	// MaxUploadSize bounds /api/upload bodies; zero means unlimited.
	MaxUploadSize int64
	// Downloader serves /download/{code}. Defaults to a TCP fetcher with
	// protocol.DefaultTimeout and 8 workers.
	Downloader *peer.Downloader
	Advertise  bool
	Metrics    *monitor.Metrics
}

// Broker maps share codes to manifests and peers over HTTP and proxies
// downloads for clients that cannot speak the chunk protocol.
type Broker struct {
	opts       BrokerOpts
	registry   *SessionRegistry
	router     *mux.Router
	downloader *peer.Downloader
	metrics    *monitor.Metrics

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	quitCh     chan struct{}
	stopOnce   sync.Once
	advertiser *discovery.Advertiser
	startTime  time.Time
}

func NewBroker(opts BrokerOpts, regOpts ...RegistryOption) *Broker {
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = manifest.DefaultChunkSize
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.Global
	}
	if opts.Downloader == nil {
		opts.Downloader = peer.NewDownloader(peer.NewTCPFetcher(protocol.DefaultTimeout), 8).WithMetrics(opts.Metrics)
	}

	b := &Broker{
		opts:       opts,
		registry:   NewSessionRegistry(opts.Store, opts.SessionTTL, regOpts...),
		router:     mux.NewRouter(),
		downloader: opts.Downloader,
		metrics:    opts.Metrics,
		quitCh:     make(chan struct{}),
		advertiser: discovery.NewAdvertiser(),
		startTime:  time.Now(),
	}
	b.setupRoutes()
	return b
}

func (b *Broker) setupRoutes() {
	b.router.HandleFunc("/ping", b.handlePing).Methods("GET")
	b.router.HandleFunc("/status", b.handleStatus).Methods("GET")

	b.router.HandleFunc("/api/register", b.handleRegister).Methods("POST")
	b.router.HandleFunc("/api/upload", b.handleUpload).Methods("POST")
	b.router.HandleFunc("/api/sessions/{code}/peers", b.handleAddPeer).Methods("POST")
	b.router.HandleFunc("/api/get_info/{code}", b.handleInfo).Methods("GET")
	b.router.HandleFunc("/api/manifest/{code}", b.handleManifest).Methods("GET")

	b.router.HandleFunc("/download/{code}", b.handleDownload).Methods("GET")
}

// Handler exposes the router, mainly for httptest.
func (b *Broker) Handler() http.Handler {
	return b.router
}

func (b *Broker) Registry() *SessionRegistry {
	return b.registry
}

// Start binds ListenAddr, serves HTTP in the background and starts the
// session reaper. It returns once the listener is bound.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.opts.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           b.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.mu.Lock()
	b.listener = ln
	b.httpServer = srv
	b.mu.Unlock()

	logger.Sugar.Infof("[Broker] [%s] starting broker, session ttl=%s sweep=%s", ln.Addr(), b.registry.TTL(), b.opts.SweepInterval)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Errorf("[Broker] http server stopped: %v", err)
		}
	}()
	go b.registry.RunReaper(b.opts.SweepInterval, b.quitCh)

	if b.opts.Advertise {
		b.advertise(ln.Addr().String())
	}
	return nil
}

func (b *Broker) advertise(addr string) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Sugar.Errorf("[Broker] Failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}
	meta := map[string]string{
		"version":          "1.0.0",
		discovery.MetaType: discovery.RoleBroker,
	}
	if err := b.advertiser.Start("codeshare-broker", port, meta); err != nil {
		logger.Sugar.Errorf("[Broker] Failed to start mDNS advertisement: %v", err)
		return
	}
	logger.Sugar.Infof("[Broker] mDNS advertisement started on port %d", port)
}

// Addr returns the bound listen address, or the configured one before Start.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.opts.ListenAddr
}

func (b *Broker) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.advertiser.Stop()
		close(b.quitCh)

		b.mu.Lock()
		srv := b.httpServer
		b.mu.Unlock()
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = srv.Shutdown(ctx)
		}
		logger.Sugar.Info("[Broker] stopped")
	})
	return err
}

// Sweep runs one reaper pass now.
func (b *Broker) Sweep() int {
	return b.registry.Sweep(time.Now())
}

func (b *Broker) GetStatus() string {
	var s strings.Builder
	fmt.Fprintf(&s, "Broker Running on: %s\n", b.Addr())
	fmt.Fprintf(&s, "Uptime: %s\n", time.Since(b.startTime).Round(time.Second))
	fmt.Fprintf(&s, "Session TTL: %s\n", b.registry.TTL())

	sessions := b.registry.List()
	fmt.Fprintf(&s, "Live Sessions: %d\n", len(sessions))
	for _, sess := range sessions {
		fmt.Fprintf(&s, " - Code: %s File: %s Size: %d bytes Peers: %d Expires: %s\n",
			sess.Code, sess.Manifest.Filename, sess.Manifest.Filesize, len(sess.Peers), sess.ExpiresAt().Format(time.RFC3339))
	}
	return s.String()
}

func (b *Broker) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := b.registry.List()
	resp := StatusResponse{
		Sessions:   len(sessions),
		SessionTTL: b.registry.TTL().String(),
		Uptime:     time.Since(b.startTime).Round(time.Second).String(),
		Metrics:    b.metrics.Snapshot(),
		Files:      make([]SessionInfo, 0, len(sessions)),
	}
	for _, s := range sessions {
		resp.Files = append(resp.Files, SessionInfo{
			Code:      s.Code,
			Filename:  s.Manifest.Filename,
			Filesize:  s.Manifest.Filesize,
			Peers:     len(s.Peers),
			ExpiresAt: s.ExpiresAt(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, "manifest required")
		return
	}
	m, err := manifest.Unmarshal(req.Manifest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Peer.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.createSession(w, r, m, req.Peer)
}

// handleUpload hashes an uploaded file into a manifest for a peer that
// already holds its chunks. The broker keeps only the manifest.
func (b *Broker) handleUpload(w http.ResponseWriter, r *http.Request) {
	if b.opts.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, b.opts.MaxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemLimit); err != nil {
		writeError(w, http.StatusBadRequest, "file and peer_addr required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	peerAddr := r.FormValue("peer_addr")
	if err != nil || peerAddr == "" {
		writeError(w, http.StatusBadRequest, "file and peer_addr required")
		return
	}
	defer file.Close()

	p, err := protocol.ParsePeerAddress(peerAddr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "peer_addr must be ip:port")
		return
	}

	chunkSize := b.opts.ChunkSize
	if v := r.FormValue("chunk_size"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, "chunk_size must be a positive integer")
			return
		}
		chunkSize = uint32(n)
	}

	m, err := manifest.Build(file, filepath.Base(header.Filename), chunkSize, discardStore{})
	if err != nil {
		if errors.Is(err, errdefs.ErrStorage) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.createSession(w, r, m, p)
}

func (b *Broker) createSession(w http.ResponseWriter, r *http.Request, m *manifest.Manifest, p protocol.PeerAddress) {
	code, err := b.registry.Create(m, []protocol.PeerAddress{p})
	if err != nil {
		logger.Sugar.Errorf("[Broker] failed to create session: file=%s remote=%s err=%v", m.Filename, r.RemoteAddr, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{Code: code, Manifest: m})
}

func (b *Broker) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	var req AddPeerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := b.registry.AddPeer(code, req.Peer)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invalid code")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infoFromSession(s))
}

func (b *Broker) handleInfo(w http.ResponseWriter, r *http.Request) {
	s, ok := b.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, infoFromSession(s))
}

func (b *Broker) handleManifest(w http.ResponseWriter, r *http.Request) {
	s, ok := b.lookup(w, r)
	if !ok {
		return
	}
	data, err := manifest.Marshal(s.Manifest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleDownload fetches every chunk from the session's peers and streams
// the verified file. Nothing is written to the client unless all chunks
// verified.
func (b *Broker) handleDownload(w http.ResponseWriter, r *http.Request) {
	s, ok := b.lookup(w, r)
	if !ok {
		return
	}

	a, err := b.downloader.Download(r.Context(), s.Manifest, s.Peers, nil)
	if err != nil {
		var dlErr *peer.DownloadError
		if errors.As(err, &dlErr) {
			logger.Sugar.Warnf("[Broker] proxy download failed: code=%s file=%s chunks=%v", s.Code, s.Manifest.Filename, dlErr.Indices())
			writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to download chunk %d from peers", dlErr.FirstFailed()))
			return
		}
		logger.Sugar.Errorf("[Broker] proxy download failed: code=%s err=%v", s.Code, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.Manifest.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := a.WriteTo(w); err != nil {
		logger.Sugar.Debugf("[Broker] client went away: code=%s remote=%s err=%v", s.Code, r.RemoteAddr, err)
	}
}

func (b *Broker) lookup(w http.ResponseWriter, r *http.Request) (Session, bool) {
	code := mux.Vars(r)["code"]
	s, err := b.registry.Lookup(code)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid code")
		return Session{}, false
	}
	return s, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrMalformedManifest):
		return http.StatusBadRequest
	case errdefs.IsPeerFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Debugf("[Broker] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// discardStore lets manifest.Build hash an upload without keeping chunks.
type discardStore struct{}

func (discardStore) Put(key string, data []byte) error { return storage.ValidateKey(key) }
func (discardStore) Get(key string) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
}
func (discardStore) Open(key string) (int64, io.ReadCloser, error) {
	return 0, nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
}
func (discardStore) Delete(key string) error { return nil }
func (discardStore) Has(key string) bool { return false }
func (discardStore) Close() error { return nil }
