package remedy

import (
	"io"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type configYaml struct {
	Port int `yaml:"port" default:"8080"`

	MaxConcurrentJobs int64 `yaml:"maxConcurrentJobs" default:"4"`

	// JobTimeout is the per-job wall-clock budget in seconds. 0 disables it.
	JobTimeout time.Duration `yaml:"jobTimeout" default:"1800"`

	// DeleteGrace is how long a delete waits for cancellation to confirm,
	// in milliseconds.
	DeleteGrace time.Duration `yaml:"deleteGrace" default:"2000"`

	ContextLines int `yaml:"contextLines" default:"2"`

	Retry RetryConfig `yaml:"retry"`

	Model     string `yaml:"model" default:"claude-sonnet-4-20250514"`
	MaxTokens int64  `yaml:"maxTokens" default:"4096"`

	HostingToken string `yaml:"hostingToken"`
	CacheDir     string `yaml:"cacheDir"`

	Sandbox sandboxYaml `yaml:"sandbox"`
}

type sandboxYaml struct {
	Enabled bool `yaml:"enabled"`

	Image          string `yaml:"image"`
	Dockerfile     string `yaml:"dockerfile"`
	DockerfilePath string `yaml:"dockerfilePath"`

	JobsDir string `yaml:"jobsDir" default:"/tmp/remedy/jobs"`
	LogsDir string `yaml:"logsDir" default:"/tmp/remedy/logs"`
}

// Config holds the engine configuration of a remedy server.
type Config struct {
	Port int // The port the HTTP API listens on

	MaxConcurrentJobs int64         // Admission control: how many execution units may be active at once
	JobTimeout        time.Duration // Wall-clock budget per job, 0 for none
	DeleteGrace       time.Duration // How long delete waits for a cancellation to confirm

	ContextLines int         // Source lines extracted around a reported line
	Retry        RetryConfig // Retry policy for clone, push and inference

	Model     string // AI model used for fix generation
	MaxTokens int64  // Token cap per inference request

	HostingToken string // Fallback hosting credential when a report carries none
	CacheDir     string // Clone cache directory, empty to disable

	SandboxEnabled bool // Whether jobs run in docker containers

	SandboxImage          string // Prebuilt worker image
	SandboxDockerfile     string // Worker dockerfile contents
	SandboxDockerfilePath string // Path to the worker dockerfile, used if SandboxDockerfile is empty

	SandboxJobsDir string // Host directory for per-job workspace mounts
	SandboxLogsDir string // Host directory for per-job log mounts
}

// GetConfigFromFile reads an engine config in yaml format from a reader and
// initializes the corresponding Config struct.
func GetConfigFromFile(r io.Reader) (*Config, error) {
	var config configYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	return &Config{
		Port: config.Port,

		MaxConcurrentJobs: config.MaxConcurrentJobs,
		JobTimeout:        config.JobTimeout * time.Second,
		DeleteGrace:       config.DeleteGrace * time.Millisecond,

		ContextLines: config.ContextLines,
		Retry: RetryConfig{
			Attempts:         config.Retry.Attempts,
			Backoff:          config.Retry.Backoff * time.Millisecond,
			BackoffIncrement: config.Retry.BackoffIncrement * time.Millisecond,
			MaxBackoff:       config.Retry.MaxBackoff * time.Millisecond,
			MaxJitter:        config.Retry.MaxJitter * time.Millisecond,
		},

		Model:     config.Model,
		MaxTokens: config.MaxTokens,

		HostingToken: config.HostingToken,
		CacheDir:     config.CacheDir,

		SandboxEnabled:        config.Sandbox.Enabled,
		SandboxImage:          config.Sandbox.Image,
		SandboxDockerfile:     config.Sandbox.Dockerfile,
		SandboxDockerfilePath: config.Sandbox.DockerfilePath,
		SandboxJobsDir:        config.Sandbox.JobsDir,
		SandboxLogsDir:        config.Sandbox.LogsDir,
	}, nil
}
