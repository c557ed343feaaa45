package remedy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeGit is an in-memory GitClient whose clone materializes a fixed set of
// files. Failures are injected per operation.
type fakeGit struct {
	mu sync.Mutex

	files map[string]string

	cloneCalls int
	cloneErr   error
	pushCalls  int
	pushErr    error
	prCalls    int

	clonedInto    string
	branchCreated string
	commitMessage string
	tokenUsed     string
	prURL         string
}

func (g *fakeGit) Clone(ctx context.Context, repoURL, branch, dest string) error {
	g.mu.Lock()
	g.cloneCalls++
	g.clonedInto = dest
	err := g.cloneErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	for name, content := range g.files {
		path := filepath.Join(dest, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (g *fakeGit) CreateBranch(ctx context.Context, dest, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.branchCreated = name
	return nil
}

func (g *fakeGit) CommitAll(ctx context.Context, dest, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitMessage = message
	return nil
}

func (g *fakeGit) Push(ctx context.Context, dest, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushCalls++
	return g.pushErr
}

func (g *fakeGit) OpenPullRequest(ctx context.Context, repoURL, head, base, title, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prCalls++
	return g.prURL, nil
}

func (g *fakeGit) WithToken(token string) GitClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokenUsed = token
	return g
}

func newRunningJob(report *IssueReport) *Job {
	job := newJob("j1", report, testLogger())
	job.Transition(StatusRunning)
	return job
}

func TestWorkerRunnerOpensPullRequest(t *testing.T) {
	git := &fakeGit{
		files: map[string]string{"app.py": "x = 1\ny = eval(raw)\n"},
		prURL: "https://github.com/acme/shop/pull/7",
	}
	ai := &fakeAI{fn: func(prompt string) (string, error) {
		return proposalJSON("y = eval(raw)", "y = int(raw)"), nil
	}}
	runner := &WorkerRunner{Git: git, AI: ai, Retry: testRetryConfig, ContextLines: 1, WorkDir: t.TempDir()}

	report := testReport()
	report.Issues = []Issue{pythonIssue("i1", "app.py", 2, SeverityCritical)}
	job := newRunningJob(report)

	assert.Nil(t, runner.Run(context.Background(), job), "Run returned an error")

	snapshot := job.Snapshot()
	assert.Equal(t, "https://github.com/acme/shop/pull/7", snapshot.PullRequestURL, "Pull request URL not recorded")
	assert.Len(t, snapshot.Fixes, 1, "Wrong number of fixes recorded")
	assert.True(t, snapshot.Fixes[0].Applied, "Fix not applied")

	assert.Equal(t, BranchName(job.ID), git.branchCreated, "Wrong working branch")
	assert.Contains(t, git.commitMessage, "resolve 1 reported code quality issue", "Wrong commit message")
	assert.Equal(t, 1, git.pushCalls, "Wrong number of pushes")

	// The workspace must be gone, whatever the outcome.
	_, err := os.Stat(git.clonedInto)
	assert.True(t, os.IsNotExist(err), "Workspace not released")
}

func TestWorkerRunnerPermanentCloneErrorFailsFast(t *testing.T) {
	git := &fakeGit{
		cloneErr: &RepoAccessError{URL: "u", Transient: false, Err: fmt.Errorf("repository not found")},
	}
	runner := &WorkerRunner{Git: git, AI: &fakeAI{fn: func(string) (string, error) { return "", nil }}, Retry: testRetryConfig, WorkDir: t.TempDir()}

	job := newRunningJob(testReport())
	err := runner.Run(context.Background(), job)

	var repoErr *RepoAccessError
	assert.ErrorAs(t, err, &repoErr, "Clone failure not surfaced")
	assert.Equal(t, 1, git.cloneCalls, "Permanent clone failure was retried")
	assert.Equal(t, 0, git.pushCalls, "Push attempted after a failed clone")
}

func TestWorkerRunnerRetriesTransientCloneError(t *testing.T) {
	git := &fakeGit{
		cloneErr: &RepoAccessError{URL: "u", Transient: true, Err: fmt.Errorf("connection reset")},
	}
	runner := &WorkerRunner{Git: git, AI: &fakeAI{fn: func(string) (string, error) { return "", nil }}, Retry: testRetryConfig, WorkDir: t.TempDir()}

	job := newRunningJob(testReport())
	err := runner.Run(context.Background(), job)

	assert.NotNil(t, err, "Persistent transient failure did not fail the job")
	assert.Equal(t, testRetryConfig.Attempts, git.cloneCalls, "Wrong number of clone attempts")
}

func TestWorkerRunnerNoFixesNoPullRequest(t *testing.T) {
	git := &fakeGit{files: map[string]string{"app.py": "x = 1\n"}}
	ai := &fakeAI{fn: func(prompt string) (string, error) {
		return "I could not find a safe fix.", nil
	}}
	runner := &WorkerRunner{Git: git, AI: ai, Retry: testRetryConfig, WorkDir: t.TempDir()}

	report := testReport()
	report.Issues = []Issue{pythonIssue("i1", "app.py", 1, SeverityMinor)}
	job := newRunningJob(report)

	assert.Nil(t, runner.Run(context.Background(), job), "A report without applicable fixes failed the job")

	snapshot := job.Snapshot()
	assert.Empty(t, snapshot.PullRequestURL, "Pull request opened without applied fixes")
	assert.Equal(t, 0, git.pushCalls, "Pushed without applied fixes")
	assert.Equal(t, 0, git.prCalls, "Pull request attempted without applied fixes")
	assert.Len(t, snapshot.Fixes, 1, "Unapplied fix not recorded")
}

func TestWorkerRunnerUsesReportToken(t *testing.T) {
	git := &fakeGit{files: map[string]string{"app.py": "x = 1\n"}}
	runner := &WorkerRunner{Git: git, AI: &fakeAI{fn: func(string) (string, error) { return "", nil }}, Retry: testRetryConfig, WorkDir: t.TempDir()}

	report := testReport()
	report.HostingToken = "report-scoped-token"
	job := newRunningJob(report)

	assert.Nil(t, runner.Run(context.Background(), job), "Run returned an error")
	assert.Equal(t, "report-scoped-token", git.tokenUsed, "Report credential not used")
}

func TestWorkerRunnerCancelledBeforePipeline(t *testing.T) {
	git := &fakeGit{files: map[string]string{"app.py": "x = 1\n"}}
	runner := &WorkerRunner{Git: git, AI: &fakeAI{fn: func(string) (string, error) { return "", nil }}, Retry: testRetryConfig, WorkDir: t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := newRunningJob(testReport())
	err := runner.Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled, "Cancellation not propagated")
	assert.Equal(t, 0, git.pushCalls, "Pushed despite cancellation")
}

func TestFailureReason(t *testing.T) {
	budget := &TimeoutError{Budget: 5 * time.Minute}

	assert.Contains(t, failureReason(context.DeadlineExceeded, budget), "time budget", "Deadline not mapped onto the budget")
	assert.Equal(t, "boom", failureReason(fmt.Errorf("boom"), budget), "Plain error rewritten")
	assert.Equal(t, context.DeadlineExceeded.Error(), failureReason(context.DeadlineExceeded, nil), "Deadline without budget rewritten")
}
