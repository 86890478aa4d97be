package engine

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go-asset-vault/internal/events"
	"go-asset-vault/internal/jobs"
	"go-asset-vault/internal/models"
)

// countingWriter feeds bytes written into the tracker as they stream in.
type countingWriter struct {
	w       io.Writer
	tracker *progressTracker
	written int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.written += int64(n)
	cw.tracker.add(int64(n))
	return n, err
}

// progressTracker accumulates byte/file counters for one job and publishes
// throttled progress events. Publishing is gated by elapsed time and byte
// delta, never per write. Published progress is clamped monotonic so a chunk
// retry (which credits bytes back) never shows up as regression.
type progressTracker struct {
	bus  *events.Bus
	job  *jobs.Job
	opts Options

	bytesTotal int64
	filesTotal int

	bytesDone atomic.Int64
	filesDone atomic.Int32

	mu             sync.Mutex
	lastPublish    time.Time
	lastBytes      int64
	maxPercentSent float64
}

func newTracker(bus *events.Bus, job *jobs.Job, manifest models.Manifest, opts Options) *progressTracker {
	return &progressTracker{
		bus:         bus,
		job:         job,
		opts:        opts,
		bytesTotal:  manifest.TotalBytes(),
		filesTotal:  len(manifest.Files),
		lastPublish: time.Now(),
	}
}

// add records newly-downloaded bytes (negative to credit back a failed
// attempt) and publishes if the throttle gates allow.
func (t *progressTracker) add(n int64) {
	t.bytesDone.Add(n)
	t.maybePublish()
}

// fileDone records one file-completion. When the file was skipped (already
// present and verified) its bytes are credited here since nothing streamed.
func (t *progressTracker) fileDone(file models.FileEntry, message string, skipped bool) {
	if skipped {
		t.bytesDone.Add(file.Size)
	}
	t.filesDone.Add(1)
	t.publishPhase(models.PhaseDownloading, message, t.percent())
}

// percent returns completion by bytes, reserving 100 for the terminal event.
func (t *progressTracker) percent() float64 {
	if t.bytesTotal <= 0 {
		return 0
	}
	p := float64(t.bytesDone.Load()) / float64(t.bytesTotal) * 100
	if p > 99.9 {
		p = 99.9
	}
	if p < 0 {
		p = 0
	}
	return p
}

func (t *progressTracker) snapshot() models.JobProgress {
	return models.JobProgress{
		BytesDone:  t.bytesDone.Load(),
		BytesTotal: t.bytesTotal,
		FilesDone:  int(t.filesDone.Load()),
		FilesTotal: t.filesTotal,
	}
}

// maybePublish emits a downloading event if either throttle gate is open.
func (t *progressTracker) maybePublish() {
	bytesDone := t.bytesDone.Load()

	t.mu.Lock()
	elapsed := time.Since(t.lastPublish)
	delta := bytesDone - t.lastBytes
	if elapsed < t.opts.ProgressInterval && delta < t.opts.ProgressByteDelta {
		t.mu.Unlock()
		return
	}
	var rate float64
	if elapsed > 0 {
		rate = float64(delta) / elapsed.Seconds()
	}
	t.lastPublish = time.Now()
	t.lastBytes = bytesDone
	t.mu.Unlock()

	t.publishWithRate(models.PhaseDownloading, "", t.percent(), rate)
}

// publishPhase emits an event immediately, bypassing the throttle. Used for
// phase changes and file completions.
func (t *progressTracker) publishPhase(phase, message string, progress float64) {
	t.publishWithRate(phase, message, progress, 0)
}

// publishTerminal emits the single 100%-progress terminal event.
func (t *progressTracker) publishTerminal(phase, message string, extra map[string]any) {
	t.publishTerminalAt(phase, message, 100, extra)
}

// publishTerminalAt emits a terminal event at the given progress, clamped to
// the monotonic high-water mark. Failed jobs end at whatever progress they
// reached; they never report less than was already published.
func (t *progressTracker) publishTerminalAt(phase, message string, progress float64, extra map[string]any) {
	t.mu.Lock()
	if progress < t.maxPercentSent {
		progress = t.maxPercentSent
	}
	t.maxPercentSent = progress
	t.mu.Unlock()

	details := t.details(0)
	for k, v := range extra {
		details[k] = v
	}
	t.job.SetProgress(t.snapshot())
	t.bus.Publish(t.job.ID, models.ProgressEvent{
		JobID:    t.job.ID,
		Phase:    phase,
		Message:  message,
		Progress: progress,
		Details:  details,
	})
}

func (t *progressTracker) publishWithRate(phase, message string, progress float64, rate float64) {
	t.mu.Lock()
	if progress < t.maxPercentSent {
		progress = t.maxPercentSent
	} else {
		t.maxPercentSent = progress
	}
	t.mu.Unlock()

	t.job.SetProgress(t.snapshot())
	t.bus.Publish(t.job.ID, models.ProgressEvent{
		JobID:    t.job.ID,
		Phase:    phase,
		Message:  message,
		Progress: progress,
		Details:  t.details(rate),
	})
}

func (t *progressTracker) details(rate float64) map[string]any {
	return map[string]any{
		models.DetailDownloadedFiles: int(t.filesDone.Load()),
		models.DetailTotalFiles:      t.filesTotal,
		models.DetailBytesDone:       t.bytesDone.Load(),
		models.DetailBytesTotal:      t.bytesTotal,
		models.DetailBytesPerSec:     int64(rate),
	}
}
