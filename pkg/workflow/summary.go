package workflow

import (
	"fmt"
	"strings"
)

// FormatSummary renders a run summary for the chat.
func FormatSummary(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MIPS run %s: %d of %d tasks due, %d failed\n", s.RunID, s.Due, s.Fetched, s.Failed())
	for _, r := range s.Results {
		status := "ok"
		if r.Err != nil {
			status = "error: " + r.Err.Error()
		}
		fmt.Fprintf(&b, "- %s", r.Workflow)
		if r.Arguments != "" {
			fmt.Fprintf(&b, " %s", r.Arguments)
		}
		if r.Mode != "" {
			fmt.Fprintf(&b, " [%s]", r.Mode)
		}
		if r.Devices > 0 {
			fmt.Fprintf(&b, " devices=%d failed=%d", r.Devices, r.Failed)
		}
		fmt.Fprintf(&b, ": %s\n", status)
	}
	return strings.TrimRight(b.String(), "\n")
}
