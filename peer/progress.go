package peer

import (
	"sort"
	"strings"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
)

// ChunkState represents the current state of a chunk download
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDownloading
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon is the symbol ChunkMap draws for s.
func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkDownloading:
		return "↓"
	case ChunkCompleted:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

// ChunkProgress tracks a single chunk across its peer attempts.
type ChunkProgress struct {
	Index      uint32
	State      ChunkState
	PeerAddr   string // peer of the current or winning attempt
	Attempts   int
	BytesTotal uint64
	StartTime  time.Time
	EndTime    time.Time
}

// DownloadTracker tracks the progress of an entire file download. It is
// shared by all chunk jobs, so every method locks.
type DownloadTracker struct {
	mu              sync.RWMutex
	FileName        string
	FileSize        uint64
	TotalChunks     uint32
	Chunks          map[uint32]*ChunkProgress
	ActivePeers     map[string]int // peerAddr -> in-flight attempts
	StartTime       time.Time
	EndTime         time.Time
	BytesDownloaded uint64

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	failedChunks      uint32
	fallbacks         uint32
	integrityFailures uint32
}

func NewDownloadTracker(m *manifest.Manifest) *DownloadTracker {
	dt := &DownloadTracker{
		FileName:    m.Filename,
		FileSize:    m.Filesize,
		TotalChunks: m.NumChunks,
		Chunks:      make(map[uint32]*ChunkProgress, m.NumChunks),
		ActivePeers: make(map[string]int),
		StartTime:   time.Now(),
		lastTime:    time.Now(),
	}
	for i := uint32(0); i < m.NumChunks; i++ {
		dt.Chunks[i] = &ChunkProgress{Index: i, State: ChunkPending, BytesTotal: m.ChunkLen(i)}
	}
	return dt
}

// StartChunk records a new attempt for index against peerAddr.
func (dt *DownloadTracker) StartChunk(index uint32, peerAddr string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	chunk, ok := dt.Chunks[index]
	if !ok {
		return
	}
	if chunk.Attempts == 0 {
		chunk.StartTime = time.Now()
	}
	chunk.State = ChunkDownloading
	chunk.PeerAddr = peerAddr
	chunk.Attempts++
	dt.ActivePeers[peerAddr]++
}

// FailAttempt ends the current attempt for index; the job falls back to the
// next peer or gives up with FailChunk.
func (dt *DownloadTracker) FailAttempt(index uint32, integrity bool) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	chunk, ok := dt.Chunks[index]
	if !ok {
		return
	}
	dt.releasePeer(chunk)
	chunk.State = ChunkPending
	dt.fallbacks++
	if integrity {
		dt.integrityFailures++
	}
}

func (dt *DownloadTracker) CompleteChunk(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	chunk, ok := dt.Chunks[index]
	if !ok || chunk.State == ChunkCompleted {
		return
	}
	if chunk.State == ChunkDownloading {
		dt.releasePeer(chunk)
	}
	chunk.State = ChunkCompleted
	chunk.EndTime = time.Now()
	dt.BytesDownloaded += chunk.BytesTotal
}

func (dt *DownloadTracker) FailChunk(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	chunk, ok := dt.Chunks[index]
	if !ok || chunk.State == ChunkFailed {
		return
	}
	if chunk.State == ChunkDownloading {
		dt.releasePeer(chunk)
	}
	chunk.State = ChunkFailed
	chunk.EndTime = time.Now()
	dt.failedChunks++
}

func (dt *DownloadTracker) releasePeer(chunk *ChunkProgress) {
	dt.ActivePeers[chunk.PeerAddr]--
	if dt.ActivePeers[chunk.PeerAddr] <= 0 {
		delete(dt.ActivePeers, chunk.PeerAddr)
	}
}

// UpdateSpeed calculates and updates the current download speed
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()
	if elapsed >= 0.5 {
		dt.currentSpeed = float64(dt.BytesDownloaded-dt.lastBytes) / elapsed
		dt.lastBytes = dt.BytesDownloaded
		dt.lastTime = now
	}
	return dt.currentSpeed
}

// Progress is a consistent snapshot for rendering.
type Progress struct {
	Completed         uint32
	Total             uint32
	Failed            uint32
	Fallbacks         uint32
	IntegrityFailures uint32
	ActivePeers       int
	BytesDownloaded   uint64
	FileSize          uint64
	Speed             float64
}

func (dt *DownloadTracker) GetProgress() Progress {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	p := Progress{
		Total:             dt.TotalChunks,
		Failed:            dt.failedChunks,
		Fallbacks:         dt.fallbacks,
		IntegrityFailures: dt.integrityFailures,
		ActivePeers:       len(dt.ActivePeers),
		BytesDownloaded:   dt.BytesDownloaded,
		FileSize:          dt.FileSize,
		Speed:             dt.currentSpeed,
	}
	for _, chunk := range dt.Chunks {
		if chunk.State == ChunkCompleted {
			p.Completed++
		}
	}
	return p
}

// GetETA returns the estimated time remaining
func (dt *DownloadTracker) GetETA() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	remainingBytes := int64(dt.FileSize) - int64(dt.BytesDownloaded)
	if dt.currentSpeed <= 0 || remainingBytes <= 0 {
		return 0
	}
	return time.Duration(float64(remainingBytes)/dt.currentSpeed) * time.Second
}

func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.EndTime = time.Now()
}

func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, chunk := range dt.Chunks {
		if chunk.State != ChunkCompleted {
			return false
		}
	}
	return true
}

func (dt *DownloadTracker) GetElapsedTime() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if !dt.EndTime.IsZero() {
		return dt.EndTime.Sub(dt.StartTime)
	}
	return time.Since(dt.StartTime)
}

func (dt *DownloadTracker) GetChunkStatus(index uint32) (ChunkProgress, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if chunk, ok := dt.Chunks[index]; ok {
		return *chunk, true
	}
	return ChunkProgress{}, false
}

// GetFailedChunks returns failed chunk indices in ascending order.
func (dt *DownloadTracker) GetFailedChunks() []uint32 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	failed := make([]uint32, 0)
	for index, chunk := range dt.Chunks {
		if chunk.State == ChunkFailed {
			failed = append(failed, index)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// ChunkMap draws one state icon per chunk in index order. It returns "" for
// downloads with more than limit chunks.
func (dt *DownloadTracker) ChunkMap(limit int) string {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if int(dt.TotalChunks) > limit {
		return ""
	}
	var b strings.Builder
	for i := uint32(0); i < dt.TotalChunks; i++ {
		b.WriteString(dt.Chunks[i].State.Icon())
	}
	return b.String()
}
