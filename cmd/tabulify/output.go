package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tabulify/tabulify/pkg/engine"
	"github.com/tabulify/tabulify/pkg/flow"
)

const (
	outputText = "text"
	outputJSON = "json"
)

func checkOutput(format string) error {
	if format != outputText && format != outputJSON {
		return fmt.Errorf("unknown output format %q, want text or json", format)
	}
	return nil
}

type findingReport struct {
	Severity string `json:"severity"`
	Step     string `json:"step,omitempty"`
	Node     string `json:"node,omitempty"`
	Column   string `json:"column,omitempty"`
	Message  string `json:"message"`
}

type validationReport struct {
	Flow     string          `json:"flow"`
	Valid    bool            `json:"valid"`
	Errors   []string        `json:"errors,omitempty"`
	Findings []findingReport `json:"findings,omitempty"`
	Levels   [][]string      `json:"levels,omitempty"`
}

type retryReport struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
	Delay   string `json:"delay"`
	Offset  int64  `json:"offset,omitempty"`
}

type nodeReport struct {
	Name                string        `json:"name"`
	Level               int           `json:"level"`
	Status              string        `json:"status"`
	Reason              string        `json:"reason,omitempty"`
	Rows                int64         `json:"rows"`
	Lossy               int64         `json:"lossy,omitempty"`
	DroppedContentTypes int64         `json:"dropped_content_types,omitempty"`
	BestEffortReplace   bool          `json:"best_effort_replace,omitempty"`
	Retries             []retryReport `json:"retries,omitempty"`
	Error               string        `json:"error,omitempty"`
	Duration            string        `json:"duration"`
}

type runReport struct {
	RunID      string            `json:"run_id"`
	Flow       string            `json:"flow"`
	State      string            `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	ExitCode   int               `json:"exit_code"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Duration   string            `json:"duration"`
	Validation *validationReport `json:"validation,omitempty"`
	Nodes      []nodeReport      `json:"nodes"`
}

type columnReport struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type tableReport struct {
	Name    string         `json:"name"`
	Columns []columnReport `json:"columns,omitempty"`
}

func newValidationReport(r *flow.ValidationReport) *validationReport {
	out := &validationReport{Flow: r.Flow, Valid: r.OK(), Levels: r.Levels}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	for _, f := range r.Findings {
		fr := findingReport{Severity: string(f.Severity), Step: f.Step, Node: f.Node, Column: f.Column}
		if f.Err != nil {
			fr.Message = f.Err.Error()
		}
		out.Findings = append(out.Findings, fr)
	}
	return out
}

func newRunReport(res *engine.RunResult) *runReport {
	out := &runReport{
		RunID:     res.RunID,
		Flow:      res.Flow,
		State:     string(res.State),
		Reason:    res.Reason,
		ExitCode:  res.ExitCode(),
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
		Duration:  res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
		Nodes:     []nodeReport{},
	}
	if res.Validation != nil {
		out.Validation = newValidationReport(res.Validation)
	}
	for _, n := range res.Nodes() {
		nr := nodeReport{
			Name:                n.Name,
			Level:               n.Level,
			Status:              string(n.Status),
			Reason:              n.Reason,
			Rows:                n.Rows,
			Lossy:               n.Lossy,
			DroppedContentTypes: n.DroppedContentTypes,
			BestEffortReplace:   n.BestEffortReplace,
			Duration:            n.Duration().Round(time.Millisecond).String(),
		}
		if n.FirstError != nil {
			nr.Error = n.FirstError.Error()
		}
		for _, ev := range n.Retries {
			nr.Retries = append(nr.Retries, retryReport{
				Attempt: ev.Attempt,
				Error:   ev.Err.Error(),
				Delay:   ev.Delay.String(),
				Offset:  ev.Offset,
			})
		}
		out.Nodes = append(out.Nodes, nr)
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func renderValidation(w io.Writer, format string, r *flow.ValidationReport) error {
	rep := newValidationReport(r)
	if format == outputJSON {
		return writeJSON(w, rep)
	}
	writeValidationText(w, rep)
	return nil
}

func writeValidationText(w io.Writer, rep *validationReport) {
	status := "valid"
	if !rep.Valid {
		status = "invalid"
	}
	fmt.Fprintf(w, "flow %s is %s\n", rep.Flow, status)
	for _, e := range rep.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, f := range rep.Findings {
		where := f.Step
		if where == "" {
			where = f.Node
		}
		fmt.Fprintf(w, "  %s [%s]: %s\n", f.Severity, where, f.Message)
	}
	for i, level := range rep.Levels {
		fmt.Fprintf(w, "  level %d: %s\n", i, strings.Join(level, ", "))
	}
}

func renderRun(w io.Writer, format string, res *engine.RunResult) error {
	rep := newRunReport(res)
	if format == outputJSON {
		return writeJSON(w, rep)
	}
	if rep.Validation != nil && !rep.Validation.Valid {
		writeValidationText(w, rep.Validation)
	}
	fmt.Fprintf(w, "run %s of %s: %s", rep.RunID, rep.Flow, rep.State)
	if rep.Reason != "" {
		fmt.Fprintf(w, " (%s)", rep.Reason)
	}
	fmt.Fprintf(w, " in %s\n", rep.Duration)
	if len(rep.Nodes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tLEVEL\tSTATUS\tROWS\tLOSSY\tRETRIES\tDURATION\tREASON")
	for _, n := range rep.Nodes {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			n.Name, n.Level, n.Status, n.Rows, n.Lossy, len(n.Retries), n.Duration, n.Reason)
	}
	return tw.Flush()
}

func renderTables(w io.Writer, format string, tables []tableReport) error {
	if tables == nil {
		tables = []tableReport{}
	}
	if format == outputJSON {
		return writeJSON(w, tables)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tCOLUMNS")
	for _, t := range tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name + " " + c.Type
		}
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, strings.Join(cols, ", "))
	}
	return tw.Flush()
}
