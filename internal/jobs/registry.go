package jobs

import (
	"sort"
	"sync"
	"time"

	"go-asset-vault/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Kind is what a job does.
type Kind string

const (
	KindDownload Kind = "download"
	KindImport   Kind = "import"
	KindCreate   Kind = "create"
	KindClone    Kind = "clone"
)

// State is where a job is in its lifecycle.
type State string

const (
	StateQueued    State = "Queued"
	StateRunning   State = "Running"
	StateVerifying State = "Verifying"
	StateDone      State = "Done"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// IsTerminal reports whether a job in this state has finished for good.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// validTransitions encodes the job state machine:
// Queued -> Running -> {Verifying -> Done} | Failed | Cancelled.
// Cancellation during Verifying is best-effort; the job may still finish Done.
var validTransitions = map[State][]State{
	StateQueued:    {StateRunning, StateCancelled, StateFailed},
	StateRunning:   {StateVerifying, StateDone, StateFailed, StateCancelled},
	StateVerifying: {StateDone, StateFailed, StateCancelled},
}

// Job is one tracked long-running operation. The registry exclusively owns
// job state; executors hold the job handle and go through its methods.
type Job struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	started    bool
	progress   models.JobProgress
	finishedAt time.Time

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to a new state. Invalid transitions are refused.
func (j *Job) Transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, allowed := range validTransitions[j.state] {
		if allowed == to {
			log.WithField("job", j.ID).Debugf("Job state %s -> %s", j.state, to)
			j.state = to
			if to.IsTerminal() {
				j.finishedAt = time.Now()
			}
			return true
		}
	}
	log.WithField("job", j.ID).Warnf("Refusing invalid job transition %s -> %s", j.state, to)
	return false
}

// Cancelled returns a channel closed once cancellation has been requested.
// Executors poll it at chunk and file boundaries.
func (j *Job) Cancelled() <-chan struct{} {
	return j.cancelCh
}

// IsCancelled reports whether cancellation has been requested.
func (j *Job) IsCancelled() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// FinishedAt returns when the job reached a terminal state, zero while it
// is still active.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// SetProgress records the latest progress snapshot.
func (j *Job) SetProgress(p models.JobProgress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// Progress returns the latest progress snapshot.
func (j *Job) Progress() models.JobProgress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Status is a point-in-time view of a job for status queries.
type Status struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	State     State              `json:"state"`
	CreatedAt time.Time          `json:"createdAt"`
	Progress  models.JobProgress `json:"progress"`
}

// Registry tracks job identity, cancellation state, and the
// at-most-one-execution guarantee. Terminal jobs are retained for a grace
// period to answer late status queries, then evicted.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	maxRetained int
	retainFor   time.Duration
}

// Retention defaults: terminal jobs are kept for late status queries until
// either bound is hit.
const (
	defaultMaxRetained = 64
	defaultRetainFor   = 10 * time.Minute
)

// NewRegistry creates an empty job registry with default retention bounds.
func NewRegistry() *Registry {
	return &Registry{
		jobs:        make(map[string]*Job),
		maxRetained: defaultMaxRetained,
		retainFor:   defaultRetainFor,
	}
}

// Create mints a fresh job in state Queued and registers it.
func (r *Registry) Create(kind Kind) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now(),
		state:     StateQueued,
		cancelCh:  make(chan struct{}),
	}

	r.mu.Lock()
	r.pruneLocked()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	log.WithField("job", job.ID).Debugf("Created %s job", kind)
	return job
}

// Get looks up a job by id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Cancel requests cooperative cancellation of a job. It returns whether a
// matching active job was found. A job still in Queued is cancelled
// immediately; a running job keeps executing until it polls the flag.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok || job.State().IsTerminal() {
		return false
	}

	job.cancelOnce.Do(func() { close(job.cancelCh) })

	// A queued job has no executor to observe the flag yet.
	job.mu.Lock()
	if job.state == StateQueued {
		job.state = StateCancelled
		job.finishedAt = time.Now()
	}
	job.mu.Unlock()

	log.WithField("job", id).Info("Cancellation requested")
	return true
}

// ClaimExecution claims the single execution slot for a job. The first
// caller wins; everyone else is refused. A job cancelled while still Queued
// is claimable exactly once: no executor has run yet, and the claimant owes
// the job's subscribers its terminal event.
func (r *Registry) ClaimExecution(id string) bool {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.started {
		return false
	}
	if job.state != StateQueued && job.state != StateCancelled {
		return false
	}
	job.started = true
	return true
}

// Snapshot returns a point-in-time view of one job.
func (r *Registry) Snapshot(id string) (Status, bool) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return statusOf(job), true
}

// List returns snapshots of all tracked jobs, newest first.
func (r *Registry) List() []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.jobs))
	for _, job := range r.jobs {
		statuses = append(statuses, statusOf(job))
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.After(statuses[j].CreatedAt)
	})
	return statuses
}

func statusOf(job *Job) Status {
	job.mu.Lock()
	defer job.mu.Unlock()
	return Status{
		ID:        job.ID,
		Kind:      job.Kind,
		State:     job.state,
		CreatedAt: job.CreatedAt,
		Progress:  job.progress,
	}
}

// pruneLocked evicts terminal jobs whose completion is past the retention
// window, and the earliest-finished terminal jobs beyond the count cap.
// Caller holds the write lock.
func (r *Registry) pruneLocked() {
	var terminal []*Job
	cutoff := time.Now().Add(-r.retainFor)
	for id, job := range r.jobs {
		if !job.State().IsTerminal() {
			continue
		}
		if job.FinishedAt().Before(cutoff) {
			delete(r.jobs, id)
			continue
		}
		terminal = append(terminal, job)
	}

	if len(terminal) > r.maxRetained {
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].FinishedAt().Before(terminal[j].FinishedAt())
		})
		for _, job := range terminal[:len(terminal)-r.maxRetained] {
			delete(r.jobs, job.ID)
		}
	}
}
