package remedy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// A Pipeline turns the ordered issues of a report into a list of fixes
// applied to the job's working tree. Issues are processed independently: a
// single issue failing to produce a usable fix is recorded as a
// PipelineWarning and never aborts the job.
type Pipeline struct {
	AI    InferenceClient
	Retry RetryConfig

	// ContextLines is the number of lines extracted around the reported
	// line when building the prompt.
	ContextLines int
}

// proposal is the fixed-shape answer the model is instructed to return.
type proposal struct {
	Original string `json:"original"`
	Fixed    string `json:"fixed"`
}

// Run processes all issues of the job in severity order against the
// workspace and returns one Fix per issue. The returned error is only
// non-nil on cancellation; per-issue failures surface in the job log.
func (p *Pipeline) Run(ctx context.Context, job *Job, workspace string) ([]Fix, error) {
	issues := orderIssues(job.Report.Issues)

	fixes := make([]Fix, 0, len(issues))
	for _, issue := range issues {
		// Cancellation checkpoint between issues.
		if err := ctx.Err(); err != nil {
			return fixes, err
		}

		fix := Fix{IssueKey: issue.Key, File: issue.File, Line: issue.Line}
		if err := p.remediate(ctx, job, workspace, issue, &fix); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return append(fixes, fix), ctxErr
			}
			warning := &PipelineWarning{IssueKey: issue.Key, Reason: err.Error()}
			job.Logf("pipeline", "warning: %s", warning.Error())
		} else {
			job.Logf("pipeline", "applied fix for issue %s at %s:%d", issue.Key, issue.File, issue.Line)
		}
		fixes = append(fixes, fix)
	}

	return fixes, nil
}

// remediate runs the per-issue loop: extract context, prompt the model,
// parse and validate the proposal, apply it. fix is updated in place so a
// failed attempt still records what the model proposed.
func (p *Pipeline) remediate(ctx context.Context, job *Job, workspace string, issue Issue, fix *Fix) error {
	snippet, err := extractSnippet(workspace, issue.File, issue.Line, p.ContextLines)
	if err != nil {
		return err
	}

	prompt := buildFixPrompt(issue, snippet)
	job.Logf("pipeline", "requesting fix for issue %s (%s, rule %s)", issue.Key, issue.Severity, issue.Rule.Name)

	response, err := retryWithBackoff(ctx, p.Retry, "inference", job.logger, isTransient, func() (string, error) {
		return p.AI.Complete(ctx, prompt)
	})
	if err != nil {
		return fmt.Errorf("inference failed - %w", err)
	}

	// The response is untrusted, parse it strictly.
	prop, err := parseProposal(response)
	if err != nil {
		return fmt.Errorf("unparseable model response - %w", err)
	}
	fix.Original = prop.Original
	fix.Fixed = prop.Fixed

	if strings.TrimSpace(prop.Fixed) == strings.TrimSpace(prop.Original) {
		return fmt.Errorf("proposal does not change the code")
	}
	if !plausibleForLanguage(issue.Rule.Language, prop.Fixed) {
		return fmt.Errorf("proposal is not plausible %s code", issue.Rule.Language)
	}

	// Re-read the current content so edits of earlier issues to the same
	// file are visible before this one is applied.
	path := filepath.Join(workspace, filepath.FromSlash(issue.File))
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot re-read %s - %w", issue.File, err)
	}
	if !strings.Contains(string(content), prop.Original) {
		return fmt.Errorf("original snippet no longer present in %s", issue.File)
	}

	updated := strings.Replace(string(content), prop.Original, prop.Fixed, 1)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("cannot write %s - %w", issue.File, err)
	}

	fix.Applied = true
	return nil
}

// orderIssues sorts by severity, most severe first, keeping the original
// report order among issues of equal severity. Under any processing budget
// the highest-value fixes are attempted first.
func orderIssues(issues []Issue) []Issue {
	ordered := make([]Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity.rank() > ordered[j].Severity.rank()
	})
	return ordered
}

// extractSnippet returns the lines around the reported line, clamped to the
// bounds of the file.
func extractSnippet(workspace, file string, line, contextLines int) (string, error) {
	path := filepath.Join(workspace, filepath.FromSlash(file))
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", file)
		}
		return "", err
	}

	// A line below 1 means the report had no usable location; fall back to
	// the whole file.
	if line < 1 {
		return strings.TrimRight(string(content), "\n"), nil
	}

	lines := strings.Split(string(content), "\n")
	start := line - contextLines - 1
	if start < 0 {
		start = 0
	}
	end := line + contextLines
	if end > len(lines) {
		end = len(lines)
	}
	if start >= len(lines) {
		return "", fmt.Errorf("line %d is beyond the end of %s (%d lines)", line, file, len(lines))
	}
	return strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n"), nil
}

// parseProposal extracts the proposal JSON from an untrusted model reply.
// It first tries the whole reply, then falls back to the first balanced
// JSON object found in it.
func parseProposal(response string) (proposal, error) {
	var prop proposal
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &prop); err == nil {
		return validateProposal(prop)
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return prop, fmt.Errorf("no JSON object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				if err := json.Unmarshal([]byte(response[start:i+1]), &prop); err != nil {
					return prop, fmt.Errorf("embedded JSON does not parse - %w", err)
				}
				return validateProposal(prop)
			}
		}
	}
	return prop, fmt.Errorf("unbalanced JSON object in response")
}

func validateProposal(prop proposal) (proposal, error) {
	if prop.Original == "" || prop.Fixed == "" {
		return prop, fmt.Errorf(`response JSON is missing the "original" or "fixed" field`)
	}
	return prop, nil
}

// plausibleForLanguage performs a cheap syntactic sanity check on the
// proposed replacement. It rejects obviously broken output such as
// unbalanced brackets or markdown fences the model failed to strip.
func plausibleForLanguage(language, code string) bool {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "```") {
		return false
	}

	// Single quotes delimit strings in most languages but are runes in Go,
	// lifetimes in Rust etc., so only honor them where they are unambiguous.
	singleQuoteStrings := false
	switch strings.ToLower(language) {
	case "python", "javascript", "typescript", "js", "ts", "ruby", "php", "shell", "sh":
		singleQuoteStrings = true
	}

	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []byte
	inString := byte(0)
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case escaped:
			escaped = false
		case inString != 0:
			if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
		case c == '"' || c == '`' || (c == '\'' && singleQuoteStrings):
			inString = c
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}
