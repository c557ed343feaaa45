package remedy

import (
	"fmt"
	"io"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Severity of a single reported issue.
type Severity string

const (
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for the remediation pipeline, higher is more severe.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityMajor:
		return 1
	case SeverityMinor:
		return 0
	}
	return -1
}

// IssueType classifies a reported issue.
type IssueType string

const (
	TypeBug           IssueType = "BUG"
	TypeVulnerability IssueType = "VULNERABILITY"
	TypeCodeSmell     IssueType = "CODE_SMELL"
)

// Priority of a whole report, used as the secondary dispatch key.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// rank orders priorities for dispatch, higher is dispatched first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// A Rule carries the metadata of the quality rule an issue violated. It is
// embedded verbatim into the fix prompt so the model knows what to correct.
type Rule struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Language    string            `json:"language" yaml:"language"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// An Issue is one reported defect with its location in the repository.
// Issues are immutable once the report has been submitted.
type Issue struct {
	Key      string    `json:"key" yaml:"key"`
	Severity Severity  `json:"severity" yaml:"severity"`
	Type     IssueType `json:"type" yaml:"type"`
	File     string    `json:"file" yaml:"file"`
	Line     int       `json:"line" yaml:"line"`
	Message  string    `json:"message,omitempty" yaml:"message"`
	Rule     Rule      `json:"rule" yaml:"rule"`
}

// Metrics are informational quality figures attached to a report. They are
// surfaced in the pull request description but never influence orchestration.
type Metrics struct {
	Coverage              float64 `json:"coverage" yaml:"coverage"`
	DuplicationDensity    float64 `json:"duplication_density" yaml:"duplicationDensity"`
	MaintainabilityRating string  `json:"maintainability_rating" yaml:"maintainabilityRating"`
}

// An IssueReport is the submitted unit of work: a repository, a branch and
// the ordered list of issues to remediate. Reports are immutable after
// submission.
type IssueReport struct {
	RepoURL  string   `json:"repo_url" yaml:"repository"`
	Branch   string   `json:"branch" yaml:"branch"`
	Priority Priority `json:"priority" yaml:"priority"`

	// HostingToken authenticates pushes and pull request creation against
	// the hosting API. Never serialized back out.
	HostingToken string `json:"hosting_token,omitempty" yaml:"hostingToken"`

	Issues  []Issue `json:"issues" yaml:"issues"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

type reportYaml struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch" default:"main"`
	Priority   string `yaml:"priority" default:"medium"`

	HostingToken string `yaml:"hostingToken"`

	Issues  []Issue `yaml:"issues"`
	Metrics Metrics `yaml:"metrics"`
}

// GetReportFromConfig reads in an issue report in yaml format from a reader
// and initializes the corresponding IssueReport struct.
func GetReportFromConfig(r io.Reader) (*IssueReport, error) {
	var config reportYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	report := IssueReport{
		RepoURL:  config.Repository,
		Branch:   config.Branch,
		Priority: Priority(strings.ToLower(config.Priority)),

		HostingToken: config.HostingToken,

		Issues:  config.Issues,
		Metrics: config.Metrics,
	}

	if err := report.Validate(); err != nil {
		return nil, err
	}

	return &report, nil
}

// Validate checks that the report is well-formed enough to be admitted.
// It returns a ValidationError describing the first problem found.
func (r *IssueReport) Validate() error {
	if r.RepoURL == "" {
		return &ValidationError{Field: "repo_url", Reason: "must not be empty"}
	}
	if r.Priority != "" && r.Priority.rank() < 0 {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", r.Priority)}
	}
	for i, issue := range r.Issues {
		field := fmt.Sprintf("issues[%d]", i)
		if issue.File == "" {
			return &ValidationError{Field: field + ".file", Reason: "must not be empty"}
		}
		if issue.Line < 1 {
			return &ValidationError{Field: field + ".line", Reason: "must be at least 1"}
		}
		if issue.Severity.rank() < 0 {
			return &ValidationError{Field: field + ".severity", Reason: fmt.Sprintf("unknown severity %q", issue.Severity)}
		}
		switch issue.Type {
		case TypeBug, TypeVulnerability, TypeCodeSmell:
		default:
			return &ValidationError{Field: field + ".type", Reason: fmt.Sprintf("unknown type %q", issue.Type)}
		}
	}
	return nil
}

// normalize fills in the defaults a hand-constructed report may omit.
func (r *IssueReport) normalize() {
	if r.Branch == "" {
		r.Branch = "main"
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
}
