// Package registry tracks submitted batches as jobs, from creation to a
// single terminal state. Jobs are held in memory for the process lifetime
// and looked up by polling.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hgollnick/sqlbatch/app/runner"
)

// Status of a job. Transitions in_progress -> completed|error exactly once.
type Status string

// job statuses
const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Job is the tracked unit of work for one batch submission. Results holds
// the ordered records on completion, Error the message on failure.
type Job struct {
	ID        string
	Status    Status
	Results   []runner.Record
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry is a concurrency-safe job map
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// New makes an empty registry
func New() *Registry {
	return &Registry{jobs: map[string]Job{}}
}

// NewID returns a globally unique job identifier, uuid v7 so ids sort by
// creation time
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Create inserts a new job in progress, fails if the id is already taken
func (r *Registry) Create(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return fmt.Errorf("job %s already exists", id)
	}
	now := time.Now()
	r.jobs[id] = Job{ID: id, Status: StatusInProgress, CreatedAt: now, UpdatedAt: now}
	return nil
}

// Complete transitions the job to completed with its results. Fails if the
// job is unknown or already terminal, a terminal status is never overwritten.
func (r *Registry) Complete(id string, results []runner.Record) error {
	return r.finish(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Results = results
	})
}

// Fail transitions the job to error with a message, same terminality rule
// as Complete
func (r *Registry) Fail(id, message string) error {
	return r.finish(id, func(j *Job) {
		j.Status = StatusError
		j.Error = message
	})
}

func (r *Registry) finish(id string, apply func(j *Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != StatusInProgress {
		return fmt.Errorf("job %s already terminal (%s)", id, job.Status)
	}
	apply(&job)
	job.UpdatedAt = time.Now()
	r.jobs[id] = job
	return nil
}

// Get returns a snapshot of the job, status and result always consistent
// with each other
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}
