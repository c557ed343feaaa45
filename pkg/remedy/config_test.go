package remedy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetConfigFromFile(t *testing.T) {
	yml := `
port: 9999
maxConcurrentJobs: 8
jobTimeout: 600
deleteGrace: 500
contextLines: 4
retry:
  attempts: 5
  backoff: 2000
model: "claude-sonnet-4-20250514"
maxTokens: 2048
hostingToken: "token"
cacheDir: "/var/cache/remedy"
sandbox:
  enabled: true
  image: "remedy-worker:latest"
  jobsDir: "/srv/remedy/jobs"
`

	config, err := GetConfigFromFile(strings.NewReader(yml))
	assert.Nil(t, err, "GetConfigFromFile returned an error")

	assert.Equal(t, 9999, config.Port, "Mismatch in config field")
	assert.Equal(t, int64(8), config.MaxConcurrentJobs, "Mismatch in config field")
	assert.Equal(t, 600*time.Second, config.JobTimeout, "Timeout not converted to seconds")
	assert.Equal(t, 500*time.Millisecond, config.DeleteGrace, "Grace not converted to milliseconds")
	assert.Equal(t, 4, config.ContextLines, "Mismatch in config field")
	assert.Equal(t, 5, config.Retry.Attempts, "Mismatch in config field")
	assert.Equal(t, 2*time.Second, config.Retry.Backoff, "Backoff not converted to milliseconds")
	assert.Equal(t, int64(2048), config.MaxTokens, "Mismatch in config field")
	assert.Equal(t, "token", config.HostingToken, "Mismatch in config field")
	assert.Equal(t, "/var/cache/remedy", config.CacheDir, "Mismatch in config field")
	assert.True(t, config.SandboxEnabled, "Mismatch in config field")
	assert.Equal(t, "remedy-worker:latest", config.SandboxImage, "Mismatch in config field")
	assert.Equal(t, "/srv/remedy/jobs", config.SandboxJobsDir, "Mismatch in config field")
}

func TestGetConfigFromFileDefaults(t *testing.T) {
	config, err := GetConfigFromFile(strings.NewReader("port: 1234"))
	assert.Nil(t, err, "GetConfigFromFile returned an error")

	assert.Equal(t, 1234, config.Port, "Explicit value overridden by a default")
	assert.Equal(t, int64(4), config.MaxConcurrentJobs, "Wrong default pool size")
	assert.Equal(t, 30*time.Minute, config.JobTimeout, "Wrong default job timeout")
	assert.Equal(t, 2*time.Second, config.DeleteGrace, "Wrong default delete grace")
	assert.Equal(t, 2, config.ContextLines, "Wrong default context lines")
	assert.Equal(t, 3, config.Retry.Attempts, "Wrong default retry attempts")
	assert.Equal(t, time.Second, config.Retry.Backoff, "Wrong default backoff")
	assert.Equal(t, "claude-sonnet-4-20250514", config.Model, "Wrong default model")
	assert.Equal(t, int64(4096), config.MaxTokens, "Wrong default token cap")
	assert.False(t, config.SandboxEnabled, "Sandbox enabled by default")
	assert.Equal(t, "/tmp/remedy/jobs", config.SandboxJobsDir, "Wrong default jobs dir")
}
