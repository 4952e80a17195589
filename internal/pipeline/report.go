package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Report summarizes one orchestrator invocation. It is not persisted.
type Report struct {
	RunID          string        `json:"runId"`
	Started        time.Time     `json:"started"`
	Outcomes       []Outcome     `json:"outcomes"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	Selective      bool          `json:"selective"`
	MaintenanceErr error         `json:"-"`
}

// Failed returns the names of the stages that failed, in run order.
func (r *Report) Failed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if !o.Success {
			out = append(out, o.Stage)
		}
	}
	return out
}

// Outcome returns the outcome of the named stage, if it ran.
func (r *Report) Outcome(stage string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			return o, true
		}
	}
	return Outcome{}, false
}

// ExitCode is 0 when the run succeeded and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

// Summary renders the human-readable block printed at the end of a run.
func (r *Report) Summary() string {
	var b strings.Builder
	b.WriteString("ETL Pipeline Summary\n")
	for _, o := range r.Outcomes {
		mark := "✓ Success"
		if !o.Success {
			mark = "✗ Failed"
		}
		fmt.Fprintf(&b, "%s: %s\n", o.Title, mark)
	}
	fmt.Fprintf(&b, "Total duration: %.2f seconds\n", r.Duration.Seconds())
	if r.Success {
		b.WriteString("✓ All ETL processes completed successfully\n")
	} else {
		b.WriteString("✗ Some ETL processes failed\n")
	}
	return b.String()
}
