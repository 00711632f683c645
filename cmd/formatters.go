package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"argus/core"
	"argus/execution"
)

// renderExecution displays one execution
func renderExecution(w io.Writer, exec *core.ToolExecution) {
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintf(w, "  Execution: %s\n", exec.ID)
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	printSection(w, "Request")
	printField(w, "Tool", exec.ToolID)
	printField(w, "Surface", string(exec.Target.Surface))
	if exec.Target.AgentID != "" {
		printField(w, "Agent", exec.Target.AgentID)
	}
	printField(w, "Target", exec.Target.Destination)
	printField(w, "Case", exec.CaseID)
	printField(w, "Timeout", (time.Duration(exec.TimeoutSeconds) * time.Second).String())
	fmt.Fprintln(w)

	printSection(w, "State")
	printField(w, "Status", formatExecutionStatus(exec.Status))
	printField(w, "Created", formatTime(exec.CreatedAt))
	if exec.StartedAt != nil {
		printField(w, "Started", formatTime(*exec.StartedAt))
	}
	if exec.CompletedAt != nil {
		printField(w, "Completed", formatTime(*exec.CompletedAt))
		printField(w, "Duration", exec.Duration().Round(time.Millisecond).String())
	}
	if exec.ExitCode != nil {
		printField(w, "Exit Code", fmt.Sprintf("%d", *exec.ExitCode))
	}
	if exec.Error != "" {
		printField(w, "Error", errorColor.Sprint(exec.Error))
	}
	fmt.Fprintln(w)

	if len(exec.Result) > 0 {
		printSection(w, "Result")
		keys := make([]string, 0, len(exec.Result))
		for k := range exec.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printField(w, k, formatValue(exec.Result[k]))
		}
		fmt.Fprintln(w)
	}

	if len(exec.Output) > 0 {
		printSection(w, "Output")
		for _, line := range exec.Output {
			if line.Stream == core.StreamStderr {
				warningColor.Fprintf(w, "  %s\n", line.Text)
				continue
			}
			fmt.Fprintf(w, "  %s\n", line.Text)
		}
		if exec.OutputTruncated {
			warningColor.Fprintln(w, "  (output truncated)")
		}
		fmt.Fprintln(w)
	}
}

// renderQueues displays queue statistics
func renderQueues(w io.Writer, stats []execution.QueueStats) {
	if len(stats) == 0 {
		warningColor.Fprintln(w, "No active queues")
		return
	}

	headerColor.Fprintln(w, "QUEUES")
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-45s %-10s %-10s %-10s %-12s\n", "Queue", "Pending", "Running", "Limit", "Interval")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, s := range stats {
		interval := "-"
		if s.MinInterval > 0 {
			interval = s.MinInterval.String()
		}
		fmt.Fprintf(w, "%-45s %-10d %-10d %-10d %-12s\n", truncate(s.Key, 44), s.Pending, s.Running, s.MaxConcurrent, interval)
	}
	fmt.Fprintln(w, strings.Repeat("=", 90))
}

// renderAlertsTable displays alerts in a formatted table
func renderAlertsTable(w io.Writer, alerts []*core.Alert) {
	if len(alerts) == 0 {
		warningColor.Fprintln(w, "No alerts")
		return
	}

	headerColor.Fprintln(w, "ALERTS")
	headerColor.Fprintln(w, strings.Repeat("=", 120))
	fmt.Fprintf(w, "%-10s %-10s %-16s %-36s %-8s %-15s %s\n",
		"ID", "Severity", "Status", "Title", "Firings", "Last Fired", "Case")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, a := range alerts {
		shortID := a.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		fmt.Fprintf(w, "%-10s %-10s %-16s %-36s %-8d %-15s %s\n",
			shortID, a.Severity, a.Status, truncate(a.Title, 35), a.FiringCount, formatTimeSince(a.LastFiredAt), a.CaseID)
	}
	fmt.Fprintln(w, strings.Repeat("=", 120))
	fmt.Fprintf(w, "\nTotal alerts: %d\n", len(alerts))
}

// renderRulesReport displays the outcome of a rule validation run
func renderRulesReport(w io.Writer, report rulesReport) {
	printSection(w, "Rule Files")
	for _, f := range report.Files {
		fmt.Fprintf(w, "  • %s\n", f)
	}
	fmt.Fprintln(w)

	if len(report.Problems) > 0 {
		printSection(w, "Problems")
		for _, p := range report.Problems {
			id := p.RuleID
			if id == "" {
				id = "-"
			}
			errorColor.Fprintf(w, "  ✗ %s [%s]: %s\n", p.Source, id, p.Error)
		}
		fmt.Fprintln(w)
	}

	if len(report.Problems) == 0 {
		successColor.Fprintf(w, "✓ %d rule(s) valid\n", len(report.Rules))
		return
	}
	warningColor.Fprintf(w, "%d rule(s) valid, %d invalid\n", len(report.Rules), len(report.Problems))
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

// formatExecutionStatus returns a colored status string
func formatExecutionStatus(status core.ExecutionStatus) string {
	switch status {
	case core.ExecutionStatusSucceeded:
		return color.New(color.FgGreen).Sprint(status)
	case core.ExecutionStatusRunning, core.ExecutionStatusQueued:
		return color.New(color.FgCyan).Sprint(status)
	case core.ExecutionStatusFailed, core.ExecutionStatusTimeout:
		return color.New(color.FgRed).Sprint(status)
	case core.ExecutionStatusCancelled:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return string(status)
	}
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case []interface{}:
		return fmt.Sprintf("%d item(s)", len(val))
	case map[string]interface{}:
		return fmt.Sprintf("%d field(s)", len(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
