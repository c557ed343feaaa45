package remedy

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// A Runner performs the whole remediation attempt for one job: it acquires
// an execution context, runs clone, pipeline and pull request automation in
// it and guarantees the context is released on every exit path.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// WorkerRunner is the in-process execution unit. It owns an exclusive
// workspace directory for the duration of a job. It is both the runner used
// when sandboxing is disabled and the payload executed by `remedy worker`
// inside a sandbox container.
type WorkerRunner struct {
	Git GitClient
	AI  InferenceClient

	Retry        RetryConfig
	ContextLines int

	// WorkDir is the parent directory for job workspaces. Empty means the
	// system temp dir.
	WorkDir string
}

// Run executes the job. On return the workspace has been removed, whatever
// the outcome was.
func (r *WorkerRunner) Run(ctx context.Context, job *Job) (err error) {
	workspace, err := os.MkdirTemp(r.WorkDir, "remedy-job-")
	if err != nil {
		return &IsolationError{Op: "create workspace", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			job.Logf("cleanup", "failed to remove workspace %s - %v", workspace, rmErr)
			if err == nil {
				err = &IsolationError{Op: "release workspace", Err: rmErr}
			}
		} else {
			job.Logf("cleanup", "workspace released")
		}
	}()

	report := job.Report

	// A credential on the report overrides the engine-wide one.
	gitClient := r.Git
	if report.HostingToken != "" {
		gitClient = gitClient.WithToken(report.HostingToken)
	}

	job.Logf("clone", "cloning %s at branch %s", report.RepoURL, report.Branch)
	if _, err := retryWithBackoff(ctx, r.Retry, "clone", job.logger, isTransient, func() (struct{}, error) {
		return struct{}{}, gitClient.Clone(ctx, report.RepoURL, report.Branch, workspace)
	}); err != nil {
		return err
	}

	// Cancellation checkpoint after the clone.
	if err := ctx.Err(); err != nil {
		return err
	}

	branch := BranchName(job.ID)
	job.Logf("branch", "creating working branch %s", branch)
	if err := gitClient.CreateBranch(ctx, workspace, branch); err != nil {
		return err
	}

	job.Transition(StatusImproving)
	pipeline := &Pipeline{AI: r.AI, Retry: r.Retry, ContextLines: r.ContextLines}
	fixes, err := pipeline.Run(ctx, job, workspace)
	job.SetFixes(fixes)
	if err != nil {
		return err
	}

	applied := 0
	for _, fix := range fixes {
		if fix.Applied {
			applied++
		}
	}
	if applied == 0 {
		// Nothing to do is a valid outcome, distinct from an error.
		job.Logf("done", "no fixes applied, completing without a pull request")
		return nil
	}

	// Cancellation checkpoint before anything leaves the workspace.
	if err := ctx.Err(); err != nil {
		return err
	}

	job.Logf("push", "committing %d fixes and pushing %s", applied, branch)
	if err := gitClient.CommitAll(ctx, workspace, commitMessage(fixes)); err != nil {
		return err
	}
	if _, err := retryWithBackoff(ctx, r.Retry, "push", job.logger, isTransient, func() (struct{}, error) {
		return struct{}{}, gitClient.Push(ctx, workspace, branch)
	}); err != nil {
		return err
	}

	title := fmt.Sprintf("Automated code quality fixes (%d issues)", applied)
	url, err := retryWithBackoff(ctx, r.Retry, "pull-request", job.logger, isTransient, func() (string, error) {
		return gitClient.OpenPullRequest(ctx, report.RepoURL, branch, report.Branch, title, pullRequestBody(job, fixes))
	})
	if err != nil {
		return err
	}
	job.SetPullRequestURL(url)
	job.Logf("done", "pull request opened: %s", url)

	return nil
}

// failureReason renders the error recorded on a failed job, mapping context
// errors onto the timeout taxonomy when the budget ran out.
func failureReason(err error, budget *TimeoutError) string {
	if budget != nil && errors.Is(err, context.DeadlineExceeded) {
		return budget.Error()
	}
	return err.Error()
}
