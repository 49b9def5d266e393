// Package report renders collected results and log text into the plain-text
// report handed to notifiers.
package report

import (
	"strings"

	"github.com/andrej220/opsflow/pkg/result"
)

// Subject is the subject line of every report.
const Subject = "Workflow Report"

// Summary groups results by severity, most severe first. Severities without
// results are omitted.
func Summary(results []result.Result) string {
	if len(results) == 0 {
		return "No workflow results available."
	}

	lines := []string{"Maintenance Summary", "====================", ""}
	for _, severity := range result.Severities {
		var section []result.Result
		for _, r := range results {
			if r.Severity == severity {
				section = append(section, r)
			}
		}
		if len(section) == 0 {
			continue
		}

		name := severity.String()
		lines = append(lines, name+":", strings.Repeat("-", len(name)+1))
		for _, r := range section {
			lines = append(lines, "  Step:    "+r.Step, "  Message: "+r.Message, "")
		}
	}
	return strings.Join(lines, "\n")
}

// Format returns the summary followed by the log section.
func Format(results []result.Result, logs string) string {
	var b strings.Builder
	b.WriteString(Summary(results))
	b.WriteString("\n\nLogs:\n-----\n")
	if logs = strings.TrimSpace(logs); logs != "" {
		b.WriteString(logs)
	} else {
		b.WriteString("(No logs available)")
	}
	return b.String()
}
