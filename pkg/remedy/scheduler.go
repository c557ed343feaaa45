package remedy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// A Scheduler admits submitted reports as jobs and dispatches them into a
// bounded pool of execution units. Submission never blocks; only the
// PENDING to RUNNING transition is gated by pool capacity.
type Scheduler struct {
	registry *Registry
	runner   Runner

	maxConcurrent int64
	jobTimeout    time.Duration
	sem           *semaphore.Weighted

	log *logrus.Logger

	mu      sync.Mutex
	pending []*pendingJob
	active  map[string]context.CancelFunc
	seq     int

	wake     chan struct{}
	stop     context.CancelFunc
	stopped  chan struct{}
	baseCtx  context.Context
	started  bool
	inflight sync.WaitGroup
}

// pendingJob keys the dispatch order: priority first, then submission order.
type pendingJob struct {
	job *Job
	seq int
}

// NewScheduler creates a scheduler dispatching into at most maxConcurrent
// simultaneous execution units, each bounded by jobTimeout of wall-clock
// time (0 disables the budget).
func NewScheduler(registry *Registry, runner Runner, maxConcurrent int64, jobTimeout time.Duration, log *logrus.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		registry:      registry,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		jobTimeout:    jobTimeout,
		sem:           semaphore.NewWeighted(maxConcurrent),
		log:           log,
		active:        make(map[string]context.CancelFunc),
		wake:          make(chan struct{}, 1),
	}
}

// Start launches the dispatcher goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.stopped = make(chan struct{})
	go s.dispatch()
}

// Stop cancels all active jobs and shuts the dispatcher down. It returns
// once every execution unit has released its resources.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	for _, cancel := range s.active {
		cancel()
	}
	stop := s.stop
	s.mu.Unlock()

	stop()
	<-s.stopped
	s.inflight.Wait()
}

// Submit validates the report and admits it as a new PENDING job, returning
// the job id without waiting for execution.
func (s *Scheduler) Submit(report *IssueReport) (string, error) {
	if err := report.Validate(); err != nil {
		return "", err
	}

	job := s.registry.Create(report)
	job.Logf("submit", "job accepted for %s at priority %s", report.RepoURL, job.Report.Priority)

	s.mu.Lock()
	s.seq++
	s.pending = append(s.pending, &pendingJob{job: job, seq: s.seq})
	s.mu.Unlock()
	s.signal()

	return job.ID, nil
}

// Cancel moves the job towards CANCELLED. A still pending job is cancelled
// directly without ever entering RUNNING; an active one is signalled and
// transitions through CANCELLING. Cancelling a terminal job is a conflict.
func (s *Scheduler) Cancel(id string) error {
	job, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i, p := range s.pending {
		if p.job.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.mu.Unlock()
			if !job.Transition(StatusCancelled) {
				return ErrConflict
			}
			job.Logf("cancel", "cancelled before dispatch")
			return nil
		}
	}
	cancel, active := s.active[id]
	s.mu.Unlock()

	if active {
		if job.Transition(StatusCancelling) {
			job.Logf("cancel", "cancellation requested")
		}
		cancel()
		return nil
	}

	if job.Status().Terminal() {
		return ErrConflict
	}
	// Not pending, not active: the job is being handed over to its
	// execution unit right now. Mark it so the unit observes it.
	job.Transition(StatusCancelling)
	return nil
}

// Delete removes the job from the registry. An active job is cancelled
// first; if it does not confirm within the given grace period the removal
// is deferred until the execution unit has finished.
func (s *Scheduler) Delete(id string, grace time.Duration) error {
	job, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	if job.Status().Terminal() {
		return s.registry.Remove(id)
	}

	if err := s.Cancel(id); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if job.Status().Terminal() {
			return s.registry.Remove(id)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancellation not confirmed in time, defer the removal.
	job.Logf("cancel", "cancellation pending, deferring removal")
	go func() {
		for !job.Status().Terminal() {
			time.Sleep(100 * time.Millisecond)
		}
		if err := s.registry.Remove(id); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warnf("Failed to remove job %s after deferred cancellation - %v", id, err)
		}
	}()
	return nil
}

// ActiveJobs returns the number of currently dispatched execution units.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is the long-lived dispatcher loop: whenever capacity and pending
// jobs are both available, the best pending job is handed to an execution
// unit.
func (s *Scheduler) dispatch() {
	defer close(s.stopped)
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-s.wake:
		}

		for {
			if !s.sem.TryAcquire(1) {
				break
			}
			job := s.takeNext()
			if job == nil {
				s.sem.Release(1)
				break
			}
			s.inflight.Add(1)
			go s.execute(job)
		}
	}
}

// takeNext pops the pending job with the highest priority, FIFO among equal
// priorities, and registers its cancellation handle.
func (s *Scheduler) takeNext() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	sort.SliceStable(s.pending, func(i, j int) bool {
		pi, pj := s.pending[i], s.pending[j]
		if pi.job.Report.Priority.rank() != pj.job.Report.Priority.rank() {
			return pi.job.Report.Priority.rank() > pj.job.Report.Priority.rank()
		}
		return pi.seq < pj.seq
	})

	job := s.pending[0].job
	s.pending = s.pending[1:]

	jobCtx, cancel := context.WithCancel(s.baseCtx)
	s.active[job.ID] = cancel
	job.ctx = jobCtx
	return job
}

// execute runs one job inside its execution unit and records the terminal
// status. The semaphore slot and the cancellation handle are always
// released.
func (s *Scheduler) execute(job *Job) {
	defer s.inflight.Done()
	defer s.sem.Release(1)
	defer s.signal()

	ctx := job.ctx
	cancelTimeout := func() {}
	var budget *TimeoutError
	if s.jobTimeout > 0 {
		budget = &TimeoutError{Budget: s.jobTimeout}
		ctx, cancelTimeout = context.WithTimeout(ctx, s.jobTimeout)
	}
	defer cancelTimeout()

	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
	}()

	if !job.Transition(StatusRunning) {
		// Cancelled between dequeue and dispatch.
		job.Transition(StatusCancelled)
		return
	}

	err := s.runner.Run(ctx, job)

	switch {
	case err == nil:
		if job.Status() == StatusCancelling {
			job.Transition(StatusCancelled)
		} else {
			job.Transition(StatusCompleted)
		}
	case errors.Is(err, context.DeadlineExceeded) && budget != nil && ctx.Err() != nil:
		job.Fail(failureReason(err, budget))
		job.Transition(StatusFailed)
	case errors.Is(err, context.Canceled):
		job.Transition(StatusCancelled)
	default:
		job.Fail(err.Error())
		job.Transition(StatusFailed)
	}
}
