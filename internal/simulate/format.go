package simulate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders results for a terminal.
func FormatText(results []*RunResult) string {
	var b strings.Builder

	total, passed, failedScenarios := 0, 0, 0
	for _, r := range results {
		total += r.Total
		passed += r.Passed

		status := "PASS"
		if r.Failed > 0 {
			status = "FAIL"
			failedScenarios++
		}
		fmt.Fprintf(&b, "  %s  %s (%d/%d)  audit=%d blocked=%d escrow=%d lifecycle=%d\n",
			status, r.Name, r.Passed, r.Total, r.Audit, r.Blocked, r.Escrow, r.Lifecycle)
		for _, s := range r.Steps {
			if s.Passed {
				continue
			}
			if s.Expected != "" {
				fmt.Fprintf(&b, "    FAIL  step %d: %-8s pid %-6d expected %s, got %s\n", s.Index, s.Op, s.PID, s.Expected, s.Actual)
			} else {
				fmt.Fprintf(&b, "    FAIL  step %d: %-8s pid %-6d %s\n", s.Index, s.Op, s.PID, s.Detail)
			}
		}
	}

	fmt.Fprintf(&b, "\n%d of %d steps passed.", passed, total)
	if failedScenarios > 0 {
		fmt.Fprintf(&b, " %d of %d scenarios failed.", failedScenarios, len(results))
	}
	b.WriteString("\n")
	return b.String()
}

// FormatJSON renders results as indented JSON.
func FormatJSON(results []*RunResult) (string, error) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(data), nil
}
