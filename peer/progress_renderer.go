package peer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer redraws a one-line progress bar for a DownloadTracker.
type ProgressRenderer struct {
	tracker     *DownloadTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
}

func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start runs the render loop until Stop or StopAndWait.
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

func (pr *ProgressRenderer) Stop() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
}

// StopAndWait stops the loop and draws the final line.
func (pr *ProgressRenderer) StopAndWait() {
	pr.Stop()
	<-pr.doneChan
	if pr.tracker.IsComplete() {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

func (pr *ProgressRenderer) paint(color, s string) string {
	if !pr.useColors {
		return s
	}
	return color + s + Reset
}

func (pr *ProgressRenderer) Render() {
	p := pr.tracker.GetProgress()
	eta := pr.tracker.GetETA()

	percent := 100.0
	if p.FileSize > 0 {
		percent = float64(p.BytesDownloaded) / float64(p.FileSize) * 100
	}
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	line := fmt.Sprintf("\r%s [%s] %s (%d/%d chunks) | %s/s | %d peers | ETA: %s",
		pr.paint(Cyan, "["+pr.tracker.FileName+"]"),
		pr.paint(Green, bar),
		pr.paint(Yellow, fmt.Sprintf("%.1f%%", percent)),
		p.Completed, p.Total,
		pr.paint(Blue, formatBytes(p.Speed)),
		p.ActivePeers,
		formatETA(eta),
	)
	if p.Fallbacks > 0 {
		line += fmt.Sprintf(" | %d fallbacks", p.Fallbacks)
	}
	if p.IntegrityFailures > 0 {
		line += pr.paint(Red, fmt.Sprintf(" | %d corrupt", p.IntegrityFailures))
	}
	fmt.Fprint(pr.out, line)
}

func (pr *ProgressRenderer) RenderFinal() {
	p := pr.tracker.GetProgress()
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %s (%d/%d chunks) | Completed in %s\n",
		pr.paint(Cyan, "["+pr.tracker.FileName+"]"),
		pr.paint(Green, strings.Repeat("█", pr.width)),
		pr.paint(Green, "100%"),
		p.Total, p.Total,
		formatDuration(pr.tracker.GetElapsedTime()),
	)
}

func (pr *ProgressRenderer) RenderError() {
	p := pr.tracker.GetProgress()
	percent := 0.0
	if p.Total > 0 {
		percent = float64(p.Completed) / float64(p.Total) * 100
	}
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %.1f%% | %s: %d/%d completed, failed chunks %v\n",
		pr.paint(Cyan, "["+pr.tracker.FileName+"]"),
		pr.paint(Red, ChunkFailed.Icon()),
		percent,
		pr.paint(Red+Bold, "Download failed"),
		p.Completed, p.Total,
		pr.tracker.GetFailedChunks(),
	)
	if m := pr.tracker.ChunkMap(pr.width); m != "" {
		fmt.Fprintf(pr.out, "  chunks: %s\n", m)
	}
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
