// Package report renders run progress and results for the command line.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-idp/pipeline/internal/model"
)

// Printer writes one progress line per step result, optional step log lines
// and a final summary. It is safe for concurrent use.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewPrinter creates a Printer. When verbose is set, step log lines and run
// status changes are printed as well.
func NewPrinter(w io.Writer, verbose bool) *Printer {
	return &Printer{w: w, verbose: verbose}
}

// Event prints the progress line for ev, if it has one.
func (p *Printer) Event(ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case model.EventStepResult:
		if ev.Step != nil {
			fmt.Fprintln(p.w, StepLine(*ev.Step))
		}
	case model.EventStepLog:
		if p.verbose {
			fmt.Fprintf(p.w, "  [%s] %s\n", ev.Name, ev.Line)
		}
	case model.EventRunStatus:
		if p.verbose {
			fmt.Fprintf(p.w, "run %s %s\n", ev.RunID, ev.Status)
		}
	}
}

// Summary prints the aggregate result.
func (p *Printer) Summary(res *model.AggregateResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "\npipeline %s %s in %s\n", res.Pipeline, res.Status, round(res.FinishedAt.Sub(res.StartedAt)))
	fmt.Fprintf(p.w, "  succeeded: %d  failed: %d  skipped: %d  cancelled: %d\n",
		res.Count(model.StepSucceeded),
		res.Count(model.StepFailed),
		res.Count(model.StepSkipped),
		res.Count(model.StepCancelled),
	)
	if res.Error != "" {
		fmt.Fprintf(p.w, "  error: %s\n", res.Error)
	}
	if res.RunID != "" {
		fmt.Fprintf(p.w, "  run id: %s\n", res.RunID)
	}
}

// StepLine formats the progress line of one step result.
func StepLine(r model.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %s", r.Status, r.Name)

	switch r.Status {
	case model.StepSucceeded, model.StepFailed:
		fmt.Fprintf(&b, " (%s", round(r.Duration()))
		if r.Attempts > 1 {
			fmt.Fprintf(&b, ", %d attempts", r.Attempts)
		}
		b.WriteString(")")
	}

	switch {
	case r.Error != "":
		fmt.Fprintf(&b, ": %s", firstLine(r.Error))
	case r.Reason != "":
		fmt.Fprintf(&b, ": %s", r.Reason)
	}
	return b.String()
}

// WriteJSON writes the aggregate result as indented JSON.
func WriteJSON(w io.Writer, res *model.AggregateResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(time.Millisecond)
	default:
		return d
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
