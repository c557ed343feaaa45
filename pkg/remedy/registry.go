package remedy

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// A Registry is the synchronized store of all jobs the engine knows about.
// Jobs are only ever removed by explicit deletion, never by completion, so a
// caller can always inspect what happened to a finished job.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // job ids in creation order

	logger *logrus.Logger
}

// NewRegistry creates an empty registry logging to the passed logger.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		logger: logger,
	}
}

// Create makes a fresh PENDING job for the report and stores it.
func (r *Registry) Create(report *IssueReport) *Job {
	job := newJob(uuid.NewString(), report, r.logger)
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.mu.Unlock()
	return job
}

// Get returns the job with the given id or ErrNotFound.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// List returns snapshots of all jobs in creation order.
func (r *Registry) List() []JobSummary {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.order))
	for _, id := range r.order {
		if job, ok := r.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	r.mu.RUnlock()

	summaries := make([]JobSummary, len(jobs))
	for i, job := range jobs {
		summaries[i] = job.Snapshot()
	}
	return summaries
}

// Remove deletes the job from the store. Callers are responsible for having
// cancelled an active job first; the scheduler's Delete does that.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	for i, jid := range r.order {
		if jid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
