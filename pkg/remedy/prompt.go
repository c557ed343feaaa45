package remedy

import (
	"fmt"
	"sort"
	"strings"
)

// buildFixPrompt builds the structured prompt for one issue. The expected
// output shape is fixed so the reply can be parsed strictly: a single JSON
// object with "original" and "fixed" fields.
func buildFixPrompt(issue Issue, snippet string) string {
	var b strings.Builder

	language := issue.Rule.Language
	if language == "" {
		language = "unknown"
	}

	fmt.Fprintf(&b, "You are an expert in fixing %s code. Analyze this problem and provide a correction.\n\n", language)
	b.WriteString("**Identified problem:**\n")
	fmt.Fprintf(&b, "- File: %s\n", issue.File)
	fmt.Fprintf(&b, "- Line: %d\n", issue.Line)
	fmt.Fprintf(&b, "- Severity: %s\n", issue.Severity)
	fmt.Fprintf(&b, "- Rule: %s\n", issue.Rule.Name)
	fmt.Fprintf(&b, "- Description: %s\n", issue.Rule.Description)
	if issue.Message != "" {
		fmt.Fprintf(&b, "- Message: %s\n", issue.Message)
	}
	if len(issue.Rule.Parameters) > 0 {
		keys := make([]string, 0, len(issue.Rule.Parameters))
		for k := range issue.Rule.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("- Rule parameters:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, issue.Rule.Parameters[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n**Affected code:**\n```%s\n%s\n```\n\n", language, snippet)

	b.WriteString(`**Instructions:**
1. Identify the exact line that causes the problem
2. Propose a correction that satisfies the rule
3. Reply ONLY with the following JSON (no additional explanation):

{"original": "the exact problematic line of code", "fixed": "the corrected line of code"}

The reply must be valid JSON with the "original" and "fixed" fields holding the problematic code and its correction.`)

	return b.String()
}

// commitMessage summarizes the applied fixes for the automation commit.
func commitMessage(fixes []Fix) string {
	var applied []Fix
	for _, fix := range fixes {
		if fix.Applied {
			applied = append(applied, fix)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "fix: resolve %d reported code quality issue", len(applied))
	if len(applied) != 1 {
		b.WriteString("s")
	}
	b.WriteString("\n")
	for _, fix := range applied {
		fmt.Fprintf(&b, "\n- %s (%s:%d)", fix.IssueKey, fix.File, fix.Line)
	}
	return b.String()
}

// pullRequestBody renders the report summary for the pull request.
func pullRequestBody(job *Job, fixes []Fix) string {
	applied, skipped := 0, 0
	for _, fix := range fixes {
		if fix.Applied {
			applied++
		} else {
			skipped++
		}
	}

	var b strings.Builder
	b.WriteString("Automated fixes proposed by remedy.\n\n")
	fmt.Fprintf(&b, "Job: `%s`\n", job.ID)
	fmt.Fprintf(&b, "Issues fixed: %d, skipped: %d\n", applied, skipped)
	metrics := job.Report.Metrics
	if metrics.MaintainabilityRating != "" {
		fmt.Fprintf(&b, "\nReported coverage: %.1f%%, duplication: %.1f%%, maintainability: %s\n",
			metrics.Coverage, metrics.DuplicationDensity, metrics.MaintainabilityRating)
	}
	b.WriteString("\n| Issue | File | Applied |\n|---|---|---|\n")
	for _, fix := range fixes {
		fmt.Fprintf(&b, "| %s | %s:%d | %t |\n", fix.IssueKey, fix.File, fix.Line, fix.Applied)
	}
	return b.String()
}
