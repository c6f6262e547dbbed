package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
)

// Metrics holds transfer counters for one process.
type Metrics struct {
	ChunksServed atomic.Int64
	BytesServed  atomic.Int64

	ChunksFetched atomic.Int64
	BytesFetched  atomic.Int64

	// peer attempt failures, split so corrupt peers stand out
	NetworkFailures   atomic.Int64
	ProtocolFailures  atomic.Int64
	IntegrityFailures atomic.Int64
	NotFoundFailures  atomic.Int64

	DownloadsCompleted atomic.Int64
	DownloadsFailed    atomic.Int64

	ServerStart time.Time
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	ChunksServed       int64   `json:"chunks_served"`
	BytesServed        int64   `json:"bytes_served"`
	ChunksFetched      int64   `json:"chunks_fetched"`
	BytesFetched       int64   `json:"bytes_fetched"`
	NetworkFailures    int64   `json:"network_failures"`
	ProtocolFailures   int64   `json:"protocol_failures"`
	IntegrityFailures  int64   `json:"integrity_failures"`
	NotFoundFailures   int64   `json:"not_found_failures"`
	DownloadsCompleted int64   `json:"downloads_completed"`
	DownloadsFailed    int64   `json:"downloads_failed"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// Global metrics instance
var Global = New()

func New() *Metrics {
	return &Metrics{ServerStart: time.Now()}
}

func (m *Metrics) RecordServed(bytes int64) {
	m.ChunksServed.Add(1)
	m.BytesServed.Add(bytes)
}

func (m *Metrics) RecordFetched(bytes int64) {
	m.ChunksFetched.Add(1)
	m.BytesFetched.Add(bytes)
}

// RecordPeerFailure counts one failed peer attempt under its error class.
func (m *Metrics) RecordPeerFailure(err error) {
	switch errdefs.Kind(err) {
	case "integrity":
		m.IntegrityFailures.Add(1)
	case "protocol":
		m.ProtocolFailures.Add(1)
	case "not_found":
		m.NotFoundFailures.Add(1)
	default:
		m.NetworkFailures.Add(1)
	}
}

// RecordDownload logs a finished download and counts it.
func (m *Metrics) RecordDownload(filename string, bytes int64, elapsed time.Duration, ok bool) {
	if !ok {
		m.DownloadsFailed.Add(1)
		logger.Sugar.Warnf("[Transfer] failed: file=%s duration=%.2fs", filename, elapsed.Seconds())
		return
	}
	m.DownloadsCompleted.Add(1)

	var speed float64
	if s := elapsed.Seconds(); s > 0 {
		speed = float64(bytes) / s / 1024 / 1024
	}
	logger.Sugar.Infof("[Transfer] file=%s | Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		filename, bytes/1024, elapsed.Seconds(), speed)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ChunksServed:       m.ChunksServed.Load(),
		BytesServed:        m.BytesServed.Load(),
		ChunksFetched:      m.ChunksFetched.Load(),
		BytesFetched:       m.BytesFetched.Load(),
		NetworkFailures:    m.NetworkFailures.Load(),
		ProtocolFailures:   m.ProtocolFailures.Load(),
		IntegrityFailures:  m.IntegrityFailures.Load(),
		NotFoundFailures:   m.NotFoundFailures.Load(),
		DownloadsCompleted: m.DownloadsCompleted.Load(),
		DownloadsFailed:    m.DownloadsFailed.Load(),
		UptimeSeconds:      time.Since(m.ServerStart).Seconds(),
	}
}

// LogPeriodic logs runtime metrics at the specified interval until quit is closed.
func (m *Metrics) LogPeriodic(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s := m.Snapshot()

		var throughput float64
		if s.UptimeSeconds > 0 {
			throughput = float64(s.BytesServed+s.BytesFetched) / s.UptimeSeconds / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Throughput=%.2fMB/s | Served=%d | Fetched=%d | NetFail=%d | IntegrityFail=%d",
			runtime.NumGoroutine(),
			ms.HeapAlloc/1024/1024,
			throughput,
			s.ChunksServed,
			s.ChunksFetched,
			s.NetworkFailures+s.ProtocolFailures,
			s.IntegrityFailures,
		)
	}
}
