package remedy

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job id is not present in the registry.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when an operation is requested on a job whose
// status no longer permits it, e.g. cancelling an already terminal job.
var ErrConflict = errors.New("job is in a terminal state")

// A ValidationError describes why a submitted report was rejected.
// Validation failures are surfaced synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid report: %s: %s", e.Field, e.Reason)
}

// A RepoAccessError is returned when the repository under remediation could
// not be cloned. Transient failures (network) are retried with backoff,
// permanent ones (missing repo, bad credentials) fail the job immediately.
type RepoAccessError struct {
	URL       string
	Transient bool
	Err       error
}

func (e *RepoAccessError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("repository %s not accessible (%s): %v", e.URL, kind, e.Err)
}

func (e *RepoAccessError) Unwrap() error { return e.Err }

// A GitOperationError is returned by branch, commit, push and pull request
// operations. Like RepoAccessError it splits into transient and permanent.
type GitOperationError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *GitOperationError) Error() string {
	return fmt.Sprintf("git %s failed: %v", e.Op, e.Err)
}

func (e *GitOperationError) Unwrap() error { return e.Err }

// An InferenceError is returned by the AI inference boundary on transport
// failures. Semantic failures (a response which cannot be parsed) are not
// errors of the boundary at all, they surface as a PipelineWarning.
type InferenceError struct {
	Transient bool
	Err       error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference request failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// A PipelineWarning records a single-issue failure inside the remediation
// pipeline. It is appended to the job log but never fails the job.
type PipelineWarning struct {
	IssueKey string
	Reason   string
}

func (e *PipelineWarning) Error() string {
	return fmt.Sprintf("issue %s skipped: %s", e.IssueKey, e.Reason)
}

// An IsolationError means an execution context could not be created or torn
// down. It is fatal for the job; cleanup is still attempted best-effort.
type IsolationError struct {
	Op  string
	Err error
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("isolation %s failed: %v", e.Op, e.Err)
}

func (e *IsolationError) Unwrap() error { return e.Err }

// A TimeoutError is recorded when a job exceeds its wall-clock budget.
// It forces the regular cancellation path and terminates the job FAILED.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job exceeded its time budget of %s", e.Budget)
}

// isTransient reports whether err is a retry-eligible failure of one of the
// external boundaries (repository access, git operations, AI inference).
func isTransient(err error) bool {
	var repoErr *RepoAccessError
	if errors.As(err, &repoErr) {
		return repoErr.Transient
	}
	var gitErr *GitOperationError
	if errors.As(err, &gitErr) {
		return gitErr.Transient
	}
	var infErr *InferenceError
	if errors.As(err, &infErr) {
		return infErr.Transient
	}
	return false
}
