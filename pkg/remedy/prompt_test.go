package remedy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFixPrompt(t *testing.T) {
	issue := Issue{
		Key:      "i1",
		Severity: SeverityCritical,
		Type:     TypeVulnerability,
		File:     "src/handler.py",
		Line:     42,
		Message:  "user input reaches eval",
		Rule: Rule{
			Name:        "S1523",
			Description: "Dynamically executing code is security-sensitive",
			Language:    "python",
			Parameters:  map[string]string{"max": "3", "allow": "none"},
		},
	}

	prompt := buildFixPrompt(issue, "result = eval(payload)")

	assert.Contains(t, prompt, "File: src/handler.py", "Prompt misses the file")
	assert.Contains(t, prompt, "Line: 42", "Prompt misses the line")
	assert.Contains(t, prompt, "Severity: CRITICAL", "Prompt misses the severity")
	assert.Contains(t, prompt, "Rule: S1523", "Prompt misses the rule")
	assert.Contains(t, prompt, "Message: user input reaches eval", "Prompt misses the message")
	assert.Contains(t, prompt, "allow=none max=3", "Prompt misses the sorted rule parameters")
	assert.Contains(t, prompt, "```python\nresult = eval(payload)\n```", "Prompt misses the fenced snippet")
	assert.Contains(t, prompt, `{"original":`, "Prompt misses the reply contract")
}

func TestBuildFixPromptUnknownLanguage(t *testing.T) {
	issue := Issue{File: "a", Line: 1, Severity: SeverityMinor, Rule: Rule{Name: "r"}}

	prompt := buildFixPrompt(issue, "code")
	assert.Contains(t, prompt, "fixing unknown code", "Missing language not defaulted")
}

func TestCommitMessage(t *testing.T) {
	fixes := []Fix{
		{IssueKey: "i1", File: "a.py", Line: 1, Applied: true},
		{IssueKey: "i2", File: "b.py", Line: 2, Applied: false},
		{IssueKey: "i3", File: "c.py", Line: 3, Applied: true},
	}

	message := commitMessage(fixes)
	assert.Contains(t, message, "resolve 2 reported code quality issues", "Wrong fix count")
	assert.Contains(t, message, "- i1 (a.py:1)", "Applied fix missing from the message")
	assert.Contains(t, message, "- i3 (c.py:3)", "Applied fix missing from the message")
	assert.NotContains(t, message, "i2", "Skipped fix listed in the message")

	single := commitMessage([]Fix{{IssueKey: "i1", File: "a.py", Line: 1, Applied: true}})
	assert.Contains(t, single, "resolve 1 reported code quality issue\n", "Wrong singular form")
}

func TestPullRequestBody(t *testing.T) {
	report := testReport()
	report.Metrics = Metrics{Coverage: 75.5, DuplicationDensity: 2.5, MaintainabilityRating: "B"}
	job := newJob("job-1", report, testLogger())

	fixes := []Fix{
		{IssueKey: "i1", File: "a.py", Line: 1, Applied: true},
		{IssueKey: "i2", File: "b.py", Line: 2, Applied: false},
	}

	body := pullRequestBody(job, fixes)
	assert.Contains(t, body, "Job: `job-1`", "Body misses the job id")
	assert.Contains(t, body, "Issues fixed: 1, skipped: 1", "Wrong fix summary")
	assert.Contains(t, body, "coverage: 75.5%", "Body misses the metrics")
	assert.Contains(t, body, "| i1 | a.py:1 | true |", "Body misses the fix table")
	assert.Contains(t, body, "| i2 | b.py:2 | false |", "Body misses skipped fixes")
}
