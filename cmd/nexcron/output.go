package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/runlog"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func parseOutputFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", outputTable:
		return outputTable, nil
	case outputJSON:
		return outputJSON, nil
	case outputYAML, "yml":
		return outputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected: table, json, yaml)", s)
	}
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("cannot encode as %q", format)
	}
}

// describeSchedule renders a schedule on one line.
func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleAt:
		if s.At == nil {
			return "at ?"
		}
		return "at " + formatTime(s.At)
	case cron.ScheduleEvery:
		every := time.Duration(s.EveryMs) * time.Millisecond
		if s.AnchorMs == nil {
			return "every " + every.String()
		}
		anchor := time.UnixMilli(*s.AnchorMs)
		return fmt.Sprintf("every %s from %s", every, formatTime(&anchor))
	case cron.ScheduleCron:
		if s.TZ == "" {
			return "cron " + s.Expr
		}
		return fmt.Sprintf("cron %s (%s)", s.Expr, s.TZ)
	default:
		return string(s.Kind)
	}
}

func describePayload(p cron.Payload) string {
	if p.Kind != cron.PayloadAgentTurn {
		return string(p.Kind)
	}
	msg := p.Message
	if r := []rune(msg); len(r) > 40 {
		msg = string(r[:40]) + "…"
	}
	s := fmt.Sprintf("agent_turn %q", msg)
	if !p.ShouldDeliver() {
		s += " (no delivery)"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJobTable(w io.Writer, jobs []cron.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OWNER\tSLUG\tENABLED\tSCHEDULE\tPAYLOAD\tNEXT RUN\tLAST\tERRORS")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%s\t%d\n",
			j.OwnerID,
			j.Slug,
			j.Definition.Enabled,
			describeSchedule(j.Definition.Schedule),
			j.Definition.Payload.Kind,
			formatTime(j.State.NextRunAt),
			dash(string(j.State.LastStatus)),
			j.State.ConsecutiveErrors,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n📊 Total: %d jobs\n", len(jobs))
	return nil
}

func printJob(w io.Writer, j cron.Job) {
	fmt.Fprintf(w, "  Job:       %s\n", j.Key())
	if j.Definition.Name != "" {
		fmt.Fprintf(w, "  Name:      %s\n", j.Definition.Name)
	}
	fmt.Fprintf(w, "  Enabled:   %t\n", j.Definition.Enabled)
	fmt.Fprintf(w, "  Schedule:  %s\n", describeSchedule(j.Definition.Schedule))
	fmt.Fprintf(w, "  Payload:   %s\n", describePayload(j.Definition.Payload))
	fmt.Fprintf(w, "  Next run:  %s\n", formatTime(j.State.NextRunAt))
	fmt.Fprintf(w, "  Last run:  %s\n", formatTime(j.State.LastRunAt))
	if j.State.LastStatus != "" {
		fmt.Fprintf(w, "  Status:    %s\n", j.State.LastStatus)
	}
	if j.State.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s\n", j.State.LastError)
	}
	if j.State.ConsecutiveErrors > 0 {
		fmt.Fprintf(w, "  Failures:  %d in a row\n", j.State.ConsecutiveErrors)
	}
	if j.State.RunningAt != nil {
		fmt.Fprintf(w, "  Running since %s\n", formatTime(j.State.RunningAt))
	}
}

func printOutcome(w io.Writer, o cron.Outcome) {
	icon := "✅"
	if o.Status == cron.StatusError {
		icon = "❌"
	}
	fmt.Fprintf(w, "%s %s in %s\n", icon, o.Status, o.Duration.Round(time.Millisecond))
	if o.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", o.Error)
	}
	if o.Summary != "" {
		fmt.Fprintf(w, "  Summary: %s\n", o.Summary)
	}
	if o.Usage != nil {
		fmt.Fprintf(w, "  Tokens:  %d in / %d out\n", o.Usage.InputTokens, o.Usage.OutputTokens)
	}
}

func printHistory(w io.Writer, entries []runlog.Entry, total, offset int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tOWNER\tSTATUS\tDURATION\tTOKENS\tDETAIL")
	for _, e := range entries {
		detail := e.Summary
		if e.Error != "" {
			detail = e.Error
		}
		if r := []rune(detail); len(r) > 60 {
			detail = string(r[:60]) + "…"
		}
		detail = strings.ReplaceAll(detail, "\n", " ")
		started := e.StartedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			formatTime(&started),
			e.OwnerID,
			e.Status,
			(time.Duration(e.DurationMs) * time.Millisecond).String(),
			e.TotalTokens,
			dash(detail),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nShowing %d-%d of %d runs\n", min(offset+1, total), offset+len(entries), total)
	return nil
}
