package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
)

var errNoPeers = errors.New("no peers to try")

// ChunkFailure is a chunk that no peer could supply.
type ChunkFailure struct {
	Index uint32
	Err   error
}

// DownloadError names every chunk that could not be obtained.
type DownloadError struct {
	Filename string
	Failed   []ChunkFailure // sorted by index
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed: %d chunk(s) unobtainable %v", e.Filename, len(e.Failed), e.Indices())
}

func (e *DownloadError) Indices() []uint32 {
	idx := make([]uint32, len(e.Failed))
	for i, f := range e.Failed {
		idx[i] = f.Index
	}
	return idx
}

// FirstFailed returns the lowest failed index.
func (e *DownloadError) FirstFailed() uint32 {
	return e.Failed[0].Index
}

// chunkOutcome is owned by exactly one ChunkJob until the pool drains.
type chunkOutcome struct {
	data []byte
	peer protocol.PeerAddress
	err  error
}

type ChunkJob struct {
	Index uint32

	ctx      context.Context
	d        *Downloader
	manifest *manifest.Manifest
	peers    []protocol.PeerAddress
	tracker  *DownloadTracker
	jobID    string
	out      *chunkOutcome
}

// Execute tries each peer in order until one returns bytes matching the
// manifest digest. A failed peer is never retried for this chunk.
func (cj *ChunkJob) Execute() error {
	m := cj.manifest
	want := m.ChunkLen(cj.Index)
	var attemptErrs error

	if len(cj.peers) == 0 {
		attemptErrs = errNoPeers
	}

	for _, peer := range cj.peers {
		if cj.tracker != nil {
			cj.tracker.StartChunk(cj.Index, peer.String())
		}

		data, err := cj.d.fetcher.FetchChunk(cj.ctx, peer, m.Filename, cj.Index, want)
		if err == nil {
			err = m.Verify(cj.Index, data)
		}
		if err == nil {
			cj.d.metrics.RecordFetched(int64(len(data)))
			cj.out.data = data
			cj.out.peer = peer
			return nil
		}

		cj.d.metrics.RecordPeerFailure(err)
		if errors.Is(err, errdefs.ErrIntegrity) {
			logger.Sugar.Warnf("[Downloader] integrity failure: job=%s file=%s chunk=%d peer=%s err=%v", cj.jobID, m.Filename, cj.Index, peer, err)
		} else {
			logger.Sugar.Infof("[Downloader] peer attempt failed: job=%s file=%s chunk=%d peer=%s kind=%s err=%v", cj.jobID, m.Filename, cj.Index, peer, errdefs.Kind(err), err)
		}
		if cj.tracker != nil {
			cj.tracker.FailAttempt(cj.Index, errors.Is(err, errdefs.ErrIntegrity))
		}
		attemptErrs = multierr.Append(attemptErrs, fmt.Errorf("peer %s: %w", peer, err))
	}

	cj.out.err = fmt.Errorf("chunk %d: all peers exhausted: %w", cj.Index, attemptErrs)
	return cj.out.err
}

// Downloader fetches every chunk of a manifest from an ordered peer list.
type Downloader struct {
	fetcher     ChunkFetcher
	concurrency int
	metrics     *monitor.Metrics
}

// NewDownloader caps in-flight chunk fetches at concurrency; zero or less
// means one worker per chunk.
func NewDownloader(fetcher ChunkFetcher, concurrency int) *Downloader {
	return &Downloader{
		fetcher:     fetcher,
		concurrency: concurrency,
		metrics:     monitor.Global,
	}
}

// WithMetrics redirects counters, mostly for tests.
func (d *Downloader) WithMetrics(m *monitor.Metrics) *Downloader {
	d.metrics = m
	return d
}

// Assembled is the verified content of a completed download.
type Assembled struct {
	Manifest *manifest.Manifest
	// Sources records which peer supplied each chunk.
	Sources []protocol.PeerAddress
	chunks  [][]byte
}

func (a *Assembled) Size() int64 {
	return int64(a.Manifest.Filesize)
}

// WriteTo writes the chunks in index order.
func (a *Assembled) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, c := range a.chunks {
		n, err := w.Write(c)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Assembled) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(int(a.Manifest.Filesize))
	a.WriteTo(&buf)
	return buf.Bytes()
}

// Download runs one job per chunk index and waits for all of them. It
// returns *DownloadError if any chunk failed; nothing is assembled then.
func (d *Downloader) Download(ctx context.Context, m *manifest.Manifest, peers []protocol.PeerAddress, tracker *DownloadTracker) (*Assembled, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	jobID := uuid.NewString()
	start := time.Now()
	numChunks := m.NumChunks

	workers := d.concurrency
	if workers <= 0 || workers > int(numChunks) {
		workers = int(numChunks)
	}

	logger.Sugar.Infof("[Downloader] starting: job=%s file=%s chunks=%d peers=%d workers=%d", jobID, m.Filename, numChunks, len(peers), workers)

	outcomes := make([]chunkOutcome, numChunks)
	if numChunks > 0 {
		workerPool := NewWorkerPool(workers)
		workerPool.Start()

		go func() {
			for i := uint32(0); i < numChunks; i++ {
				workerPool.Submit(&ChunkJob{
					Index:    i,
					ctx:      ctx,
					d:        d,
					manifest: m,
					peers:    peers,
					tracker:  tracker,
					jobID:    jobID,
					out:      &outcomes[i],
				})
			}
			workerPool.Stop()
		}()

		for result := range workerPool.Results() {
			chunkJob := result.Job.(*ChunkJob)
			if tracker == nil {
				continue
			}
			if result.Err != nil {
				tracker.FailChunk(chunkJob.Index)
			} else {
				tracker.CompleteChunk(chunkJob.Index)
			}
		}
		<-workerPool.Done()
	}

	// every job has finished; outcomes is now read-only
	var failed []ChunkFailure
	for i := range outcomes {
		if outcomes[i].err != nil {
			failed = append(failed, ChunkFailure{Index: uint32(i), Err: outcomes[i].err})
		}
	}
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
		d.metrics.RecordDownload(m.Filename, 0, time.Since(start), false)
		return nil, &DownloadError{Filename: m.Filename, Failed: failed}
	}

	a := &Assembled{
		Manifest: m,
		Sources:  make([]protocol.PeerAddress, numChunks),
		chunks:   make([][]byte, numChunks),
	}
	var total uint64
	for i := range outcomes {
		a.chunks[i] = outcomes[i].data
		a.Sources[i] = outcomes[i].peer
		total += uint64(len(outcomes[i].data))
	}
	if total != m.Filesize {
		d.metrics.RecordDownload(m.Filename, int64(total), time.Since(start), false)
		return nil, fmt.Errorf("%w: assembled %d bytes, manifest says %d", errdefs.ErrIntegrity, total, m.Filesize)
	}

	if tracker != nil {
		tracker.MarkComplete()
	}
	d.metrics.RecordDownload(m.Filename, int64(total), time.Since(start), true)
	return a, nil
}

// DownloadToFile downloads m and writes it to outDir/<filename>. The file
// appears only after every chunk verified; a failed download leaves nothing.
func (d *Downloader) DownloadToFile(ctx context.Context, m *manifest.Manifest, peers []protocol.PeerAddress, outDir string, tracker *DownloadTracker) (string, error) {
	a, err := d.Download(ctx, m, peers, tracker)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}
	// manifest filenames are validated, but never trust them as paths
	name := filepath.Base(m.Filename)
	if name == "." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: unusable filename %q", errdefs.ErrStorage, m.Filename)
	}
	finalPath := filepath.Join(outDir, name)

	tmp, err := os.CreateTemp(outDir, "."+name+".part-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := a.WriteTo(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: write %s: %v", errdefs.ErrStorage, finalPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrStorage, err)
	}

	logger.Sugar.Infof("[Downloader] assembled file at %s", finalPath)
	return finalPath, nil
}
