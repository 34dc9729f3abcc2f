package capability

import (
	"fmt"
	"strings"
	"time"

	"github.com/vdtlabs/taskmate/pkg/taskmate/tracker"
)

// stringArg pulls a required non-empty string argument from a tool call.
func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	return strings.TrimSpace(v), nil
}

// startedTimestamp builds the worklog start time in Jira's timestamp format.
// A "date" argument pins the entry to midday of that day so it lands on the
// right date in every office timezone; otherwise the entry starts now.
func startedTimestamp(args map[string]any, loc *time.Location) string {
	const jiraFormat = "2006-01-02T15:04:05.000-0700"
	if date, ok := args["date"].(string); ok && date != "" {
		if day, err := time.ParseInLocation("2006-01-02", date, loc); err == nil {
			return day.Add(12 * time.Hour).Format(jiraFormat)
		}
	}
	return time.Now().In(loc).Format(jiraFormat)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func formatIssueList(heading string, issues []tracker.Issue) string {
	if len(issues) == 0 {
		return heading + ": none found."
	}
	var sb strings.Builder
	sb.WriteString(heading + ":\n")
	for _, is := range issues {
		fmt.Fprintf(&sb, "- %s: %s [%s]", is.Key, is.Summary, is.Status)
		if is.DueDate != "" {
			fmt.Fprintf(&sb, " due %s", is.DueDate)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatIssueDetail(is *tracker.Issue) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", is.Key, is.Summary)
	fmt.Fprintf(&sb, "- Status: %s\n", is.Status)
	fmt.Fprintf(&sb, "- Project: %s\n", orNone(is.Project))
	fmt.Fprintf(&sb, "- Assignee: %s\n", orNone(is.Assignee))
	fmt.Fprintf(&sb, "- Reporter: %s\n", orNone(is.Reporter))
	fmt.Fprintf(&sb, "- Priority: %s\n", orNone(is.Priority))
	fmt.Fprintf(&sb, "- Due date: %s\n", orNone(is.DueDate))
	if is.Description != "" {
		fmt.Fprintf(&sb, "- Description: %s\n", is.Description)
	}
	if len(is.Attachments) > 0 {
		sb.WriteString("- Attachments:\n")
		for _, a := range is.Attachments {
			fmt.Fprintf(&sb, "  - %s\n", a.Filename)
		}
	}
	return sb.String()
}

func formatWorklogs(issueKey string, logs []tracker.Worklog) string {
	if len(logs) == 0 {
		return fmt.Sprintf("No worklog entries on %s.", issueKey)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Worklog for %s:\n", issueKey)
	for _, wl := range logs {
		fmt.Fprintf(&sb, "- [%s] %s logged %s", wl.ID, wl.Author, wl.TimeSpent)
		if wl.Started != "" {
			fmt.Fprintf(&sb, " starting %s", wl.Started)
		}
		if wl.Comment != "" {
			fmt.Fprintf(&sb, ": %s", wl.Comment)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatComments(issueKey string, comments []tracker.Comment) string {
	if len(comments) == 0 {
		return fmt.Sprintf("No comments on %s.", issueKey)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Comments on %s:\n", issueKey)
	for _, cm := range comments {
		fmt.Fprintf(&sb, "- [%s] %s (%s): %s\n", cm.ID, cm.Author, cm.Created, cm.Body)
	}
	return sb.String()
}
