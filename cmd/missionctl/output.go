package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/missionctl/internal/engine"
)

// colorStatus colours a mission or task status for terminal output.
func colorStatus(status string) string {
	switch status {
	case "complete", "succeeded":
		return color.GreenString(status)
	case "failed", "blocked":
		return color.RedString(status)
	case "in_progress", "running", "dispatched":
		return color.YellowString(status)
	case "cancelled":
		return color.New(color.Faint).Sprint(status)
	default:
		return status
	}
}

func printStatus(w io.Writer, v *engine.StatusView) {
	bold := color.New(color.Bold)

	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Mission"), v.ID)
	fmt.Fprintf(w, "  Goal:     %s\n", v.Goal)
	fmt.Fprintf(w, "  Status:   %s\n", colorStatus(v.Status))
	fmt.Fprintf(w, "  Priority: %s\n", v.Priority)
	if v.Playbook != "" {
		fmt.Fprintf(w, "  Playbook: %s\n", v.Playbook)
	}
	fmt.Fprintf(w, "  Created:  %s\n", v.CreatedAt.Local().Format(time.DateTime))
	if v.ActualDuration != "" {
		fmt.Fprintf(w, "  Duration: %s (estimated %s)\n", v.ActualDuration, v.EstimatedDuration)
	} else {
		fmt.Fprintf(w, "  ETA:      %s (estimated %s)\n", v.EstimatedCompletion.Local().Format(time.DateTime), v.EstimatedDuration)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", color.RedString(v.Error))
	}

	if len(v.Tasks) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold.Sprint("Tasks"))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, t := range v.Tasks {
			line := fmt.Sprintf("  %s\t%s\t%s\t%d/%d", t.Name, t.Category, colorStatus(t.Status), t.Attempt, t.MaxAttempts)
			if t.Partial {
				line += "\tpartial"
			}
			if t.Error != "" {
				line += "\t" + t.Error
			}
			fmt.Fprintln(tw, line)
		}
		tw.Flush()
	}

	if len(v.Result) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold.Sprint("Result"))
		fmt.Fprintln(w, indentJSON(v.Result))
	}
}

func printList(w io.Writer, list []*engine.StatusView) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No missions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPLAYBOOK\tCREATED\tGOAL")
	for _, v := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.ID, colorStatus(v.Status), v.Playbook,
			v.CreatedAt.Local().Format(time.DateTime), truncate(v.Goal, 60))
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indentJSON(raw json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "  ", "  "); err != nil {
		return "  " + string(raw)
	}
	return "  " + out.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
