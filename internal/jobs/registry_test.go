package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-asset-vault/internal/models"
)

func TestRegistryCreateAndGet(t *testing.T) {
	registry := NewRegistry()

	job := registry.Create(KindDownload)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, KindDownload, job.Kind)
	assert.Equal(t, StateQueued, job.State())
	assert.False(t, job.IsCancelled())

	got, ok := registry.Get(job.ID)
	require.True(t, ok)
	assert.Same(t, job, got)

	_, ok = registry.Get("no-such-job")
	assert.False(t, ok)
}

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"Queued to Running", StateQueued, StateRunning, true},
		{"Queued to Cancelled", StateQueued, StateCancelled, true},
		{"Running to Verifying", StateRunning, StateVerifying, true},
		{"Running to Failed", StateRunning, StateFailed, true},
		{"Running to Cancelled", StateRunning, StateCancelled, true},
		{"Verifying to Done", StateVerifying, StateDone, true},
		{"Verifying to Cancelled", StateVerifying, StateCancelled, true},
		{"Queued to Done skips Running", StateQueued, StateDone, false},
		{"Queued to Verifying skips Running", StateQueued, StateVerifying, false},
		{"Done is terminal", StateDone, StateRunning, false},
		{"Failed is terminal", StateFailed, StateQueued, false},
		{"Cancelled is terminal", StateCancelled, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{ID: "t", state: tt.from, cancelCh: make(chan struct{})}
			got := job.Transition(tt.to)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Equal(t, tt.to, job.State())
			} else {
				assert.Equal(t, tt.from, job.State(), "refused transition must not change state")
			}
		})
	}
}

func TestRegistryCancelQueuedJob(t *testing.T) {
	registry := NewRegistry()
	job := registry.Create(KindDownload)

	require.True(t, registry.Cancel(job.ID))
	assert.Equal(t, StateCancelled, job.State(), "a job cancelled before execution goes terminal immediately")
	assert.True(t, job.IsCancelled())

	select {
	case <-job.Cancelled():
	default:
		t.Fatal("cancel channel not closed")
	}
}

func TestRegistryCancelRunningJobIsCooperative(t *testing.T) {
	registry := NewRegistry()
	job := registry.Create(KindDownload)
	require.True(t, registry.ClaimExecution(job.ID))
	require.True(t, job.Transition(StateRunning))

	require.True(t, registry.Cancel(job.ID))
	assert.Equal(t, StateRunning, job.State(), "a running job stays Running until its executor observes the flag")
	assert.True(t, job.IsCancelled())

	// The executor notices and finishes the job.
	require.True(t, job.Transition(StateCancelled))
	assert.Equal(t, StateCancelled, job.State())
}

func TestRegistryCancelMissingOrTerminal(t *testing.T) {
	registry := NewRegistry()

	assert.False(t, registry.Cancel("no-such-job"))

	job := registry.Create(KindDownload)
	require.True(t, job.Transition(StateRunning))
	require.True(t, job.Transition(StateDone))
	assert.False(t, registry.Cancel(job.ID), "cancelling a terminal job must report no active job")
	assert.Equal(t, StateDone, job.State())

	// Cancelling twice is idempotent but only the first succeeds on a
	// now-terminal job.
	job2 := registry.Create(KindDownload)
	require.True(t, registry.Cancel(job2.ID))
	assert.False(t, registry.Cancel(job2.ID))
}

func TestRegistryClaimExecutionOnce(t *testing.T) {
	registry := NewRegistry()
	job := registry.Create(KindDownload)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- registry.ClaimExecution(job.ID)
		}()
	}
	wg.Wait()
	close(results)

	claimed := 0
	for ok := range results {
		if ok {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed, "exactly one caller may claim execution")

	assert.False(t, registry.ClaimExecution("no-such-job"))
}

func TestRegistryClaimExecutionAfterQueuedCancel(t *testing.T) {
	registry := NewRegistry()
	job := registry.Create(KindDownload)

	require.True(t, registry.Cancel(job.ID))

	// A queued-then-cancelled job never ran, so the claim still goes to
	// exactly one executor, which observes the flag and publishes the
	// terminal event.
	assert.True(t, registry.ClaimExecution(job.ID))
	assert.True(t, job.IsCancelled())
	assert.False(t, registry.ClaimExecution(job.ID), "the claim is still single-use")

	// A job cancelled after execution started is never claimable again.
	ran := registry.Create(KindDownload)
	require.True(t, registry.ClaimExecution(ran.ID))
	require.True(t, ran.Transition(StateRunning))
	require.True(t, registry.Cancel(ran.ID))
	assert.False(t, registry.ClaimExecution(ran.ID))
}

func TestJobProgressSnapshot(t *testing.T) {
	registry := NewRegistry()
	job := registry.Create(KindDownload)

	job.SetProgress(models.JobProgress{BytesDone: 1024, BytesTotal: 4096, FilesDone: 1, FilesTotal: 3})

	status, ok := registry.Snapshot(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.ID, status.ID)
	assert.Equal(t, StateQueued, status.State)
	assert.Equal(t, int64(1024), status.Progress.BytesDone)
	assert.Equal(t, 1, status.Progress.FilesDone)

	_, ok = registry.Snapshot("no-such-job")
	assert.False(t, ok)
}

func TestRegistryListNewestFirst(t *testing.T) {
	registry := NewRegistry()

	first := registry.Create(KindDownload)
	second := registry.Create(KindImport)
	// CreatedAt granularity can collapse on fast clocks; force an ordering.
	first.CreatedAt = time.Now().Add(-time.Minute)

	statuses := registry.List()
	require.Len(t, statuses, 2)
	assert.Equal(t, second.ID, statuses[0].ID)
	assert.Equal(t, first.ID, statuses[1].ID)
}

func TestRegistryPrunesTerminalJobs(t *testing.T) {
	registry := NewRegistry()
	registry.maxRetained = 2
	registry.retainFor = time.Hour

	var terminal []*Job
	for i := 0; i < 4; i++ {
		job := registry.Create(KindDownload)
		require.True(t, job.Transition(StateRunning))
		require.True(t, job.Transition(StateDone))
		job.finishedAt = time.Now().Add(time.Duration(i-10) * time.Minute)
		terminal = append(terminal, job)
	}
	active := registry.Create(KindDownload)

	// Creation prunes; the next Create enforces the cap of 2 terminal jobs.
	registry.Create(KindDownload)

	_, ok := registry.Get(terminal[0].ID)
	assert.False(t, ok, "oldest terminal job should be evicted")
	_, ok = registry.Get(terminal[1].ID)
	assert.False(t, ok, "second oldest terminal job should be evicted")
	_, ok = registry.Get(terminal[3].ID)
	assert.True(t, ok, "newest terminal jobs are retained")
	_, ok = registry.Get(active.ID)
	assert.True(t, ok, "active jobs are never pruned")
}

func TestRegistryPrunesExpiredTerminalJobs(t *testing.T) {
	registry := NewRegistry()
	registry.retainFor = time.Minute

	old := registry.Create(KindDownload)
	require.True(t, old.Transition(StateRunning))
	require.True(t, old.Transition(StateDone))
	old.finishedAt = time.Now().Add(-2 * time.Minute)

	stale := registry.Create(KindDownload)
	stale.CreatedAt = time.Now().Add(-2 * time.Minute)

	registry.Create(KindDownload)

	_, ok := registry.Get(old.ID)
	assert.False(t, ok, "terminal job past the retention window should be evicted")
	_, ok = registry.Get(stale.ID)
	assert.True(t, ok, "non-terminal jobs are kept regardless of age")
}

func TestRegistryRetentionKeyedOnCompletion(t *testing.T) {
	registry := NewRegistry()
	registry.retainFor = time.Minute

	// A job that ran for a long time finished just now; its grace period
	// starts at completion, not creation.
	longRunning := registry.Create(KindDownload)
	longRunning.CreatedAt = time.Now().Add(-time.Hour)
	require.True(t, longRunning.Transition(StateRunning))
	require.True(t, longRunning.Transition(StateDone))
	assert.False(t, longRunning.FinishedAt().IsZero())

	registry.Create(KindDownload)

	_, ok := registry.Get(longRunning.ID)
	assert.True(t, ok, "a freshly finished job is retained however long it ran")
}
