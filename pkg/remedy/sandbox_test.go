package remedy

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

func TestWorkerResultRoundtrip(t *testing.T) {
	dir := t.TempDir()

	job := NewDetachedJob("j1", testReport(), testLogger())
	job.SetFixes([]Fix{{IssueKey: "i1", File: "a.py", Line: 1, Original: "a", Fixed: "b", Applied: true}})
	job.SetPullRequestURL("https://github.com/acme/shop/pull/9")

	assert.Nil(t, WriteWorkerResult(dir, job, nil), "Failed to write the result")

	result, err := readWorkerResult(dir)
	assert.Nil(t, err, "Failed to read the result back")
	assert.Equal(t, "j1", result.JobID, "Wrong job id")
	assert.Equal(t, "https://github.com/acme/shop/pull/9", result.PullRequestURL, "Wrong pull request URL")
	assert.Len(t, result.Fixes, 1, "Wrong number of fixes")
	assert.True(t, result.Fixes[0].Applied, "Fix lost its applied flag")
	assert.Empty(t, result.Error, "Successful run carries an error")
}

func TestWorkerResultCarriesError(t *testing.T) {
	dir := t.TempDir()

	job := NewDetachedJob("j1", testReport(), testLogger())
	assert.Nil(t, WriteWorkerResult(dir, job, fmt.Errorf("clone exploded")), "Failed to write the result")

	result, err := readWorkerResult(dir)
	assert.Nil(t, err, "Failed to read the result back")
	assert.Equal(t, "clone exploded", result.Error, "Failure reason lost")
}

func TestReadWorkerResultMissing(t *testing.T) {
	_, err := readWorkerResult(t.TempDir())
	assert.NotNil(t, err, "Missing result file not reported")
}

// Inside the container's pty logrus colors its field keys, so the stage
// marker must still be recognized through the escape codes.
func TestScanWorkerOutputColoredStageMarker(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	formatter := prefixed.TextFormatter{ForceColors: true, ForceFormatting: true}
	formatter.SetColorScheme(&prefixed.ColorScheme{})
	log.SetFormatter(&formatter)

	log.WithField("stage", "pipeline").Info("requesting fix for issue i1")
	assert.Contains(t, buf.String(), "\x1b[", "Forced colors produced no escape codes, test setup is broken")

	job := NewDetachedJob("j1", testReport(), testLogger())
	runner := &DockerRunner{}
	runner.scanWorkerOutput(&buf, job)

	assert.Equal(t, StatusImproving, job.Snapshot().Status, "Colored stage marker did not move the job to IMPROVING")
	entries := job.LogsSince(0)
	assert.NotEmpty(t, entries, "Worker output not copied into the job log")
	for _, entry := range entries {
		assert.NotContainsf(t, entry.Text, "\x1b[", "Escape codes leaked into the job log: %q", entry.Text)
	}
}

func TestScanWorkerOutputPlainStageMarker(t *testing.T) {
	job := NewDetachedJob("j1", testReport(), testLogger())
	runner := &DockerRunner{}
	runner.scanWorkerOutput(strings.NewReader("INFO requesting fix stage=pipeline\r\n"), job)

	assert.Equal(t, StatusImproving, job.Snapshot().Status, "Plain stage marker did not move the job to IMPROVING")
}
