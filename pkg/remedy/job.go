package remedy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status of a job. Transitions are monotonic, a terminal status is never left.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusImproving  Status = "IMPROVING"
	StatusCancelling Status = "CANCELLING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions is the job state machine. Cancellation may interrupt any
// non-terminal state.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusCancelling, StatusCancelled},
	StatusRunning:    {StatusImproving, StatusCompleted, StatusFailed, StatusCancelling, StatusCancelled},
	StatusImproving:  {StatusCompleted, StatusFailed, StatusCancelling, StatusCancelled},
	StatusCancelling: {StatusCancelled, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// A Fix is one proposed before/after change for a single issue. Applied is
// only true if the proposal passed validation and was written to the
// working tree.
type Fix struct {
	IssueKey string `json:"issue_key"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Original string `json:"original"`
	Fixed    string `json:"fixed"`
	Applied  bool   `json:"applied"`
}

// A Job is one asynchronous remediation run for a single IssueReport. All
// mutable fields are guarded by mu; readers get consistent copies through
// Snapshot and LogsSince.
type Job struct {
	ID     string
	Report *IssueReport

	mu          sync.Mutex
	status      Status
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	prURL       string
	errReason   string
	fixes       []Fix

	log    logBuffer
	logger *logrus.Entry

	// ctx is set by the scheduler when the job is handed to its execution
	// unit and carries the cancellation and timeout budget.
	ctx context.Context
}

// newJob creates a fresh PENDING job for the given report.
func newJob(id string, report *IssueReport, logger *logrus.Logger) *Job {
	report.normalize()
	return &Job{
		ID:        id,
		Report:    report,
		status:    StatusPending,
		createdAt: time.Now(),
		logger:    logger.WithField("job-id", id),
	}
}

// NewDetachedJob creates a job that is not tracked by any registry. It is
// used by the in-sandbox worker process, which runs exactly one job and
// reports its outcome through the logs and result mounts.
func NewDetachedJob(id string, report *IssueReport, logger *logrus.Logger) *Job {
	job := newJob(id, report, logger)
	job.status = StatusRunning
	now := time.Now()
	job.startedAt = &now
	return job
}

// Transition moves the job to the given status if the state machine allows
// it and reports whether the move happened. Timestamps are maintained as a
// side effect.
func (j *Job) Transition(to Status) bool {
	j.mu.Lock()
	if !transitionAllowed(j.status, to) {
		j.mu.Unlock()
		return false
	}
	from := j.status
	j.status = to
	now := time.Now()
	if to == StatusRunning {
		j.startedAt = &now
	}
	if to.Terminal() {
		j.completedAt = &now
	}
	j.mu.Unlock()
	j.Logf("status", "%s -> %s", from, to)
	return true
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Fail records the reason a job ended FAILED. The status transition itself
// is performed separately by the scheduler.
func (j *Job) Fail(reason string) {
	j.mu.Lock()
	j.errReason = reason
	j.mu.Unlock()
}

// SetFixes records the outcome of the remediation pipeline.
func (j *Job) SetFixes(fixes []Fix) {
	j.mu.Lock()
	j.fixes = fixes
	j.mu.Unlock()
}

// SetPullRequestURL records the URL of the opened pull request.
func (j *Job) SetPullRequestURL(url string) {
	j.mu.Lock()
	j.prURL = url
	j.mu.Unlock()
}

// Logf appends a timestamped entry to the job's log and mirrors it to the
// engine logger.
func (j *Job) Logf(stage, format string, args ...any) {
	entry := j.log.appendf(stage, format, args...)
	if j.logger != nil {
		j.logger.WithField("stage", stage).Info(entry.Text)
	}
}

// LogsSince returns all log entries with sequence number >= cursor.
func (j *Job) LogsSince(cursor int) []LogEntry {
	return j.log.since(cursor)
}

// A JobSummary is a consistent, read-only copy of a job's externally
// visible state.
type JobSummary struct {
	ID             string     `json:"job_id"`
	RepoURL        string     `json:"repo_url"`
	Branch         string     `json:"branch"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	PullRequestURL string     `json:"pull_request_url,omitempty"`
	Error          string     `json:"error,omitempty"`
	Fixes          []Fix      `json:"fixes,omitempty"`
}

// Snapshot returns a copy of the job's current state, safe to use without
// further synchronization.
func (j *Job) Snapshot() JobSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	fixes := make([]Fix, len(j.fixes))
	copy(fixes, j.fixes)
	return JobSummary{
		ID:             j.ID,
		RepoURL:        j.Report.RepoURL,
		Branch:         j.Report.Branch,
		Priority:       j.Report.Priority,
		Status:         j.status,
		CreatedAt:      j.createdAt,
		StartedAt:      j.startedAt,
		CompletedAt:    j.completedAt,
		PullRequestURL: j.prURL,
		Error:          j.errReason,
		Fixes:          fixes,
	}
}

// BranchName derives the working branch for a job. Embedding the job id
// makes retried attempts collision-free by construction, including across
// jobs targeting the same repository.
func BranchName(jobID string) string {
	return fmt.Sprintf("remedy/fix-%s", jobID)
}
