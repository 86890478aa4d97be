package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-asset-vault/internal/events"
	"go-asset-vault/internal/helpers"
	"go-asset-vault/internal/jobs"
	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Custom Engine Errors
var (
	ErrHashMismatch     = errors.New("downloaded file hash mismatch")
	ErrHttpStatus       = errors.New("unexpected HTTP status code")
	ErrFileSystem       = errors.New("filesystem error")
	ErrCancelled        = errors.New("download cancelled")
	ErrAlreadyExecuting = errors.New("job is already executing")
)

// Options tunes engine behavior. Zero values fall back to defaults.
type Options struct {
	// Concurrency bounds the chunk-fetch fan-out per file.
	Concurrency int
	// ChunkTimeout bounds each individual chunk fetch.
	ChunkTimeout time.Duration
	// ChunkRetries is the attempt budget per chunk before the job fails.
	ChunkRetries int
	// ProgressInterval gates time-based progress publishing.
	ProgressInterval time.Duration
	// ProgressByteDelta gates byte-based progress publishing.
	ProgressByteDelta int64
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = 5 * time.Minute
	}
	if o.ChunkRetries <= 0 {
		o.ChunkRetries = 3
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 500 * time.Millisecond
	}
	if o.ProgressByteDelta <= 0 {
		o.ProgressByteDelta = 8 * 1024 * 1024
	}
}

// Engine executes manifest-driven, concurrent, verified, cancellable file
// assembly. Progress flows strictly through the event bus; job state goes
// through the registry-owned job handle.
type Engine struct {
	client   *http.Client
	bus      *events.Bus
	registry *jobs.Registry
	token    string // optional bearer token for chunk locators
	opts     Options
}

// New creates a download engine.
func New(client *http.Client, bus *events.Bus, registry *jobs.Registry, token string, opts Options) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	opts.applyDefaults()
	return &Engine{
		client:   client,
		bus:      bus,
		registry: registry,
		token:    token,
		opts:     opts,
	}
}

// Execute runs one download job to a terminal state and returns it. Files
// are staged under a job-private directory, verified, then renamed into
// place one at a time; a file is never visible at its final path unless it
// verified. Exactly one terminal event is published.
func (e *Engine) Execute(ctx context.Context, job *jobs.Job, manifest models.Manifest, destDir string) (jobs.State, error) {
	if !e.registry.ClaimExecution(job.ID) {
		return job.State(), ErrAlreadyExecuting
	}

	stagingRoot := filepath.Join(destDir, ".staging", job.ID)
	defer func() {
		if err := os.RemoveAll(stagingRoot); err != nil {
			log.WithError(err).Warnf("Failed to remove staging directory %s", stagingRoot)
		}
		// The shared staging parent goes too once no other job is using it.
		_ = os.Remove(filepath.Dir(stagingRoot))
	}()

	if job.IsCancelled() {
		return e.finishCancelled(job, "Cancelled before start"), nil
	}

	job.Transition(jobs.StateRunning)
	tracker := newTracker(e.bus, job, manifest, e.opts)
	tracker.publishPhase(models.PhaseStarting, fmt.Sprintf("Downloading %d files (%s)",
		len(manifest.Files), helpers.BytesToSize(uint64(manifest.TotalBytes()))), 0)

	for i, file := range manifest.Files {
		if job.IsCancelled() {
			return e.finishCancelled(job, "Cancelled mid-download"), nil
		}

		finalPath := filepath.Join(destDir, filepath.FromSlash(file.Path))

		// Idempotent re-run: a file already present and verified is not
		// re-fetched.
		if existingFileValid(finalPath, file) {
			log.Debugf("File %s already present and verified, skipping", file.Path)
			tracker.fileDone(file, "Already present: "+file.Path, true)
			continue
		}

		partsDir := filepath.Join(stagingRoot, fmt.Sprintf("file_%d", i))
		if !helpers.CheckAndMakeDir(partsDir) {
			return e.finishFailed(job, tracker, fmt.Errorf("%w: creating staging directory %s", ErrFileSystem, partsDir))
		}

		if err := e.fetchParts(ctx, job, file, partsDir, tracker); err != nil {
			if errors.Is(err, ErrCancelled) {
				return e.finishCancelled(job, "Cancelled mid-download"), nil
			}
			return e.finishFailed(job, tracker, err)
		}

		if job.IsCancelled() {
			return e.finishCancelled(job, "Cancelled mid-download"), nil
		}

		// The last file's assembly is the job's Verifying phase; cancellation
		// from here on is best-effort and the job may complete normally.
		if i == len(manifest.Files)-1 {
			job.Transition(jobs.StateVerifying)
			tracker.publishPhase(models.PhaseVerifying, "Verifying "+file.Path, tracker.percent())
		}

		if err := e.assembleAndPlace(file, partsDir, finalPath); err != nil {
			return e.finishFailed(job, tracker, err)
		}
		tracker.fileDone(file, "Verified "+file.Path, false)
	}

	job.Transition(jobs.StateDone)
	tracker.publishTerminal(models.PhaseDone, "Download complete", nil)
	return jobs.StateDone, nil
}

// fetchParts downloads all chunk parts of one file with bounded fan-out.
// Cancellation is polled before each chunk fetch starts; in-flight fetches
// are left to finish or time out.
func (e *Engine) fetchParts(ctx context.Context, job *jobs.Job, file models.FileEntry, partsDir string, tracker *progressTracker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for idx, chunk := range file.Chunks {
		idx, chunk := idx, chunk
		g.Go(func() error {
			if job.IsCancelled() {
				return ErrCancelled
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			partPath := filepath.Join(partsDir, fmt.Sprintf("part_%06d", idx))
			return e.fetchChunk(gctx, chunk, partPath, tracker)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrCancelled) || job.IsCancelled() {
			return ErrCancelled
		}
		return fmt.Errorf("downloading %s: %w", file.Path, err)
	}
	return nil
}

// fetchChunk downloads a single chunk part with bounded retries and backoff.
// Bytes written by a failed attempt are credited back to the tracker so
// progress never overcounts.
func (e *Engine) fetchChunk(ctx context.Context, chunk models.ChunkPart, partPath string, tracker *progressTracker) error {
	var lastErr error
	for attempt := 0; attempt < e.opts.ChunkRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		written, err := e.fetchChunkOnce(ctx, chunk, partPath, tracker)
		if err == nil {
			return nil
		}
		tracker.add(-written)
		if removeErr := os.Remove(partPath); removeErr != nil && !os.IsNotExist(removeErr) {
			log.WithError(removeErr).Warnf("Failed to remove partial chunk file %s", partPath)
		}

		lastErr = err
		if attempt < e.opts.ChunkRetries-1 {
			backoff := time.Duration(attempt+1) * 2 * time.Second
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
			log.WithError(err).Warnf("Chunk fetch failed, retrying (%d/%d) after %s...", attempt+1, e.opts.ChunkRetries, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("chunk fetch failed after %d attempts: %w", e.opts.ChunkRetries, lastErr)
}

func (e *Engine) fetchChunkOnce(ctx context.Context, chunk models.ChunkPart, partPath string, tracker *progressTracker) (int64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.ChunkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, chunk.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating chunk request for %s: %w", chunk.URL, err)
	}
	if chunk.Offset > 0 || chunk.Size > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", chunk.Offset, chunk.Offset+chunk.Size-1))
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("performing chunk request for %s: %w", chunk.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, chunk.URL)
	}

	partFile, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("%w: creating chunk file %s: %v", ErrFileSystem, partPath, err)
	}

	counter := &countingWriter{w: partFile, tracker: tracker}
	_, copyErr := io.Copy(counter, resp.Body)
	closeErr := partFile.Close()
	if copyErr != nil {
		return counter.written, fmt.Errorf("writing chunk file %s: %w", partPath, copyErr)
	}
	if closeErr != nil {
		return counter.written, fmt.Errorf("%w: closing chunk file %s: %v", ErrFileSystem, partPath, closeErr)
	}
	if counter.written != chunk.Size {
		return counter.written, fmt.Errorf("chunk %s: got %d bytes, expected %d", chunk.URL, counter.written, chunk.Size)
	}
	return counter.written, nil
}

// assembleAndPlace concatenates chunk parts in declared order, verifies the
// result against the manifest hash, and renames it into its final path. The
// rename is the only point the file becomes visible to observers.
func (e *Engine) assembleAndPlace(file models.FileEntry, partsDir, finalPath string) error {
	assembledPath := filepath.Join(partsDir, "assembled.tmp")
	assembled, err := os.Create(assembledPath)
	if err != nil {
		return fmt.Errorf("%w: creating assembly file %s: %v", ErrFileSystem, assembledPath, err)
	}

	for idx := range file.Chunks {
		partPath := filepath.Join(partsDir, fmt.Sprintf("part_%06d", idx))
		part, err := os.Open(partPath)
		if err != nil {
			assembled.Close()
			return fmt.Errorf("%w: opening chunk file %s: %v", ErrFileSystem, partPath, err)
		}
		_, copyErr := io.Copy(assembled, part)
		part.Close()
		if copyErr != nil {
			assembled.Close()
			return fmt.Errorf("%w: concatenating chunk %s: %v", ErrFileSystem, partPath, copyErr)
		}
	}

	if err := assembled.Close(); err != nil {
		return fmt.Errorf("%w: closing assembly file %s: %v", ErrFileSystem, assembledPath, err)
	}

	if helpers.HashesProvided(file.Hashes) {
		if !helpers.CheckHash(assembledPath, file.Hashes) {
			log.Errorf("Hash mismatch for assembled file %s", file.Path)
			if removeErr := os.Remove(assembledPath); removeErr != nil {
				log.WithError(removeErr).Warnf("Failed to remove mismatched file %s", assembledPath)
			}
			return fmt.Errorf("%w: %s", ErrHashMismatch, file.Path)
		}
		log.Debugf("Hash verified for %s", file.Path)
	}

	if !helpers.CheckAndMakeDir(filepath.Dir(finalPath)) {
		return fmt.Errorf("%w: creating destination directory for %s", ErrFileSystem, finalPath)
	}
	if err := os.Rename(assembledPath, finalPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, assembledPath, finalPath, err)
	}
	log.Infof("Placed verified file %s", finalPath)
	return nil
}

func (e *Engine) finishCancelled(job *jobs.Job, message string) jobs.State {
	// A job cancelled while still Queued is already in Cancelled.
	if job.State() != jobs.StateCancelled {
		job.Transition(jobs.StateCancelled)
	}
	tracker := &terminalPublisher{bus: e.bus, job: job}
	tracker.publish(models.PhaseCancelled, message)
	log.WithField("job", job.ID).Info("Job cancelled")
	return jobs.StateCancelled
}

func (e *Engine) finishFailed(job *jobs.Job, tracker *progressTracker, err error) (jobs.State, error) {
	job.Transition(jobs.StateFailed)
	tracker.publishTerminalAt(models.PhaseFailed, err.Error(), tracker.percent(),
		map[string]any{models.DetailCategory: categorize(err)})
	log.WithError(err).WithField("job", job.ID).Error("Job failed")
	return jobs.StateFailed, err
}

// terminalPublisher emits a bare terminal event when there is no tracker yet.
type terminalPublisher struct {
	bus *events.Bus
	job *jobs.Job
}

func (t *terminalPublisher) publish(phase, message string) {
	p := t.job.Progress()
	t.bus.Publish(t.job.ID, models.ProgressEvent{
		JobID:   t.job.ID,
		Phase:   phase,
		Message: message,
		Details: map[string]any{
			models.DetailDownloadedFiles: p.FilesDone,
			models.DetailTotalFiles:      p.FilesTotal,
			models.DetailBytesDone:       p.BytesDone,
			models.DetailBytesTotal:      p.BytesTotal,
		},
	})
}

// categorize maps a job-level failure onto its taxonomy bucket for the
// terminal event's details.
func categorize(err error) string {
	switch {
	case errors.Is(err, ErrHashMismatch):
		return "integrity"
	case errors.Is(err, ErrFileSystem):
		return "filesystem"
	default:
		return "network"
	}
}

// existingFileValid reports whether the final file already exists and can be
// trusted: matching hash when the manifest declares one, matching size
// otherwise.
func existingFileValid(finalPath string, file models.FileEntry) bool {
	info, err := os.Stat(finalPath)
	if err != nil {
		return false
	}
	if helpers.HashesProvided(file.Hashes) {
		return helpers.CheckHash(finalPath, file.Hashes)
	}
	return info.Size() == file.Size
}
