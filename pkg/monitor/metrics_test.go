package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.RecordServed(100)
	m.RecordServed(50)
	m.RecordFetched(70)
	m.RecordPeerFailure(fmt.Errorf("x: %w", errdefs.ErrIntegrity))
	m.RecordPeerFailure(fmt.Errorf("x: %w", errdefs.ErrProtocol))
	m.RecordPeerFailure(fmt.Errorf("x: %w", errdefs.ErrNotFound))
	m.RecordPeerFailure(fmt.Errorf("x: %w", errdefs.ErrNetwork))
	m.RecordDownload("a.bin", 70, time.Second, true)
	m.RecordDownload("b.bin", 0, time.Second, false)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.ChunksServed)
	assert.Equal(t, int64(150), s.BytesServed)
	assert.Equal(t, int64(1), s.ChunksFetched)
	assert.Equal(t, int64(70), s.BytesFetched)
	assert.Equal(t, int64(1), s.IntegrityFailures)
	assert.Equal(t, int64(1), s.ProtocolFailures)
	assert.Equal(t, int64(1), s.NotFoundFailures)
	assert.Equal(t, int64(1), s.NetworkFailures)
	assert.Equal(t, int64(1), s.DownloadsCompleted)
	assert.Equal(t, int64(1), s.DownloadsFailed)
}

func TestLogPeriodicStops(t *testing.T) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		New().LogPeriodic(time.Millisecond, quit)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	close(quit)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogPeriodic did not return after quit")
	}
}
