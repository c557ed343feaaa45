package remedy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/opencontainers/go-digest"
)

// Environment variables carrying a job into its sandbox container.
const (
	EnvJobID  = "REMEDY_JOB_ID"
	EnvReport = "REMEDY_REPORT"
	EnvModel  = "REMEDY_AI_MODEL"
)

// SandboxLabel marks every container and image created by remedy so the
// clean command can find them.
const SandboxLabel = "remedy"

// resultFileName is the file the worker writes into the logs mount to hand
// its outcome back to the runner.
const resultFileName = "result.json"

// workerResult is the contract between a sandboxed worker process and the
// runner that spawned it.
type workerResult struct {
	JobID          string `json:"job_id"`
	Fixes          []Fix  `json:"fixes"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WriteWorkerResult serializes the job outcome into dir. It is called by
// the worker process as its final act before exiting.
func WriteWorkerResult(dir string, job *Job, runErr error) error {
	snapshot := job.Snapshot()
	result := workerResult{
		JobID:          job.ID,
		Fixes:          snapshot.Fixes,
		PullRequestURL: snapshot.PullRequestURL,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, resultFileName), data, 0644)
}

func readWorkerResult(dir string) (*workerResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, resultFileName))
	if err != nil {
		return nil, err
	}
	var result workerResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DockerRunner executes each job in its own container running
// `remedy worker`. The container only sees the job's workspace and logs
// mounts, giving the execution unit a real filesystem and process boundary
// towards concurrent jobs and the host.
type DockerRunner struct {
	// Image is the worker image to run. Ignored when a Dockerfile is
	// configured, in which case the image is built and tagged by content.
	Image string

	// Dockerfile is the contents of the worker dockerfile. DockerfilePath
	// is used if Dockerfile is empty.
	Dockerfile     string
	DockerfilePath string

	// JobsDir and LogsDir are the host directories under which per-job
	// workspace and log mounts are created.
	JobsDir string
	LogsDir string

	// Model is the AI model handed to the worker.
	Model string

	// Env is passed through into the container verbatim, e.g. the AI
	// API key.
	Env []string

	buildOnce sync.Once
	buildErr  error
	imageName string
}

// Run spawns the sandbox container for the job, streams its logs, waits for
// it to finish and collects the result. The container and both mounts are
// removed on every exit path.
func (r *DockerRunner) Run(ctx context.Context, job *Job) (err error) {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return &IsolationError{Op: "docker client creation", Err: err}
	}
	defer apiClient.Close()

	r.buildOnce.Do(func() { r.buildErr = r.ensureImage(context.WithoutCancel(ctx), apiClient) })
	if r.buildErr != nil {
		return &IsolationError{Op: "worker image build", Err: r.buildErr}
	}

	workspace := filepath.Join(r.JobsDir, job.ID)
	logsDir := filepath.Join(r.LogsDir, job.ID)
	for _, dir := range []string{workspace, logsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &IsolationError{Op: "create mounts", Err: err}
		}
	}
	defer func() {
		for _, dir := range []string{workspace, logsDir} {
			if rmErr := os.RemoveAll(dir); rmErr != nil && err == nil {
				err = &IsolationError{Op: "release mounts", Err: rmErr}
			}
		}
	}()

	reportJSON, err := json.Marshal(job.Report)
	if err != nil {
		return &IsolationError{Op: "serialize report", Err: err}
	}

	containerName := "remedy-" + uniuri.New()
	containerConfig := &container.Config{
		Image: r.imageName,
		Cmd:   []string{"worker"},
		Tty:   true,
		Env: append([]string{
			EnvJobID + "=" + job.ID,
			EnvReport + "=" + string(reportJSON),
			EnvModel + "=" + r.Model,
		}, r.Env...),
		Labels: map[string]string{SandboxLabel: "1"},
	}
	hostConfig := &container.HostConfig{
		Binds: []string{
			workspace + ":/workspace",
			logsDir + ":/logs",
		},
	}

	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return &IsolationError{Op: fmt.Sprintf("container creation %s", containerName), Err: err}
	}
	defer func() {
		// Best-effort teardown, also covering the cancellation path.
		removeCtx := context.WithoutCancel(ctx)
		if rmErr := apiClient.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			job.Logf("cleanup", "failed to remove container %s - %v", containerName, rmErr)
			if err == nil {
				err = &IsolationError{Op: "container removal", Err: rmErr}
			}
		} else {
			job.Logf("cleanup", "container %s removed", containerName)
		}
	}()

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return &IsolationError{Op: fmt.Sprintf("container start %s", containerName), Err: err}
	}
	job.Logf("sandbox", "started container %s", containerName)

	go r.streamLogs(ctx, apiClient, resp.ID, job)

	statusCh, errCh := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		stopCtx := context.WithoutCancel(ctx)
		if stopErr := apiClient.ContainerStop(stopCtx, resp.ID, container.StopOptions{}); stopErr != nil {
			job.Logf("cleanup", "failed to stop container %s - %v", containerName, stopErr)
		}
		return ctx.Err()
	case waitErr := <-errCh:
		return &IsolationError{Op: "container wait", Err: waitErr}
	case status := <-statusCh:
		result, readErr := readWorkerResult(logsDir)
		if readErr == nil {
			job.SetFixes(result.Fixes)
			if result.PullRequestURL != "" {
				job.SetPullRequestURL(result.PullRequestURL)
			}
		}
		if status.StatusCode != 0 {
			if readErr == nil && result.Error != "" {
				return errors.New(result.Error)
			}
			return fmt.Errorf("worker container exited with code %d", status.StatusCode)
		}
		if readErr != nil {
			return &IsolationError{Op: "read worker result", Err: readErr}
		}
		return nil
	}
}

// streamLogs copies the container's output into the job log. The worker
// tags its pipeline entries, the first of which doubles as the IMPROVING
// signal for the job.
func (r *DockerRunner) streamLogs(ctx context.Context, apiClient *client.Client, containerID string, job *Job) {
	reader, err := apiClient.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		job.Logf("sandbox", "failed to attach to container logs - %v", err)
		return
	}
	defer reader.Close()

	r.scanWorkerOutput(reader, job)
}

// ansiEscape matches the terminal color codes logrus emits when a logger
// believes it writes to a terminal, which inside the container's pty it does.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// scanWorkerOutput copies worker output lines into the job log, with any
// terminal escape codes stripped so the stage markers stay matchable.
func (r *DockerRunner) scanWorkerOutput(reader io.Reader, job *Job) {
	improving := false
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(ansiEscape.ReplaceAllString(scanner.Text(), ""), "\r")
		if line == "" {
			continue
		}
		if !improving && strings.Contains(line, "stage=pipeline") {
			improving = true
			job.Transition(StatusImproving)
		}
		job.Logf("worker", "%s", line)
	}
}

// ensureImage makes sure the worker image exists, building it from the
// configured dockerfile if necessary. Built images are tagged with the
// digest of the dockerfile contents so a changed dockerfile never reuses a
// stale image.
func (r *DockerRunner) ensureImage(ctx context.Context, apiClient *client.Client) error {
	dockerfile := r.Dockerfile
	if dockerfile == "" && r.DockerfilePath != "" {
		content, err := os.ReadFile(r.DockerfilePath)
		if err != nil {
			return err
		}
		dockerfile = string(content)
	}
	if dockerfile == "" {
		if r.Image == "" {
			return fmt.Errorf("neither a worker image nor a dockerfile is configured")
		}
		r.imageName = r.Image
		return nil
	}

	r.imageName = fmt.Sprintf("remedy-worker:%s", digest.FromString(dockerfile).Encoded()[:16])

	images, err := apiClient.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to list docker images"), err)
	}
	for _, image := range images {
		for _, tag := range image.RepoTags {
			if tag == r.imageName {
				return nil
			}
		}
	}

	buildDir, err := os.MkdirTemp("", "remedy-image-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(buildDir)
	if err := os.WriteFile(path.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0644); err != nil {
		return err
	}

	buildCtx, err := archive.TarWithOptions(buildDir, &archive.TarOptions{})
	if err != nil {
		return errors.Join(fmt.Errorf("tar creation of worker image build context failed"), err)
	}
	buildRes, err := apiClient.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{r.imageName},
		ForceRemove: true,
		Labels:      map[string]string{SandboxLabel: "1"},
	})
	if err != nil {
		return errors.Join(fmt.Errorf("worker image build failed"), err)
	}
	defer buildRes.Body.Close()

	// Drain the build stream and surface a trailing error detail.
	scanner := bufio.NewScanner(buildRes.Body)
	lastLine := ""
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			lastLine = text
		}
	}
	if strings.HasPrefix(lastLine, `{"errorDetail"`) {
		return fmt.Errorf("worker image build failed: %s", lastLine)
	}
	return nil
}
