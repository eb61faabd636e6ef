// Package report aggregates per-step outcomes into an immutable scenario
// result. A report is always produced, even when a run aborts, so every run
// yields a deterministic pass/fail artifact with a mappable exit code.
package report

import (
	"encoding/json"
	"time"
)

// Outcome is a step's final state.
type Outcome int

const (
	Pending Outcome = iota
	Running
	Succeeded
	Failed
	TimedOut
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Millis is a duration that serializes as integer milliseconds, matching the
// unit its JSON key promises.
type Millis time.Duration

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

// Round rounds the duration for display.
func (m Millis) Round(to time.Duration) time.Duration {
	return time.Duration(m).Round(to)
}

// StepResult is the outcome of one scenario step.
type StepResult struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Outcome    Outcome `json:"outcome"`
	Elapsed    Millis  `json:"elapsed_ms"`
	Error      string  `json:"error,omitempty"`
	BestEffort bool    `json:"best_effort,omitempty"`
}

// Diagnostics captures the last observed state of the run for debugging.
type Diagnostics struct {
	NodeStates      map[string]string `json:"node_states,omitempty"`
	ActiveFaults    []string          `json:"active_faults,omitempty"`
	RevertAllErr    string            `json:"revert_all_error,omitempty"`
	SetupErr        string            `json:"setup_error,omitempty"`
	LeakedResources []string          `json:"leaked_resources,omitempty"`
}

// Report is the complete result of one scenario run. It is built once the
// run finishes or aborts and is immutable thereafter.
type Report struct {
	RunID       string       `json:"run_id"`
	Scenario    string       `json:"scenario"`
	Passed      bool         `json:"passed"`
	StartTime   time.Time    `json:"start_time"`
	Elapsed     Millis       `json:"elapsed_ms"`
	Steps       []StepResult `json:"steps"`
	Diagnostics Diagnostics  `json:"diagnostics"`
}

// New builds a report from the recorded step results. The verdict passes only
// if every non-best-effort step succeeded and setup did not fail.
func New(runID, scenarioName string, start time.Time, steps []StepResult, diag Diagnostics) *Report {
	copied := make([]StepResult, len(steps))
	copy(copied, steps)

	passed := diag.SetupErr == ""
	for _, step := range copied {
		if step.BestEffort {
			continue
		}
		if step.Outcome != Succeeded {
			passed = false
			break
		}
	}

	return &Report{
		RunID:       runID,
		Scenario:    scenarioName,
		Passed:      passed,
		StartTime:   start,
		Elapsed:     Millis(time.Since(start)),
		Steps:       copied,
		Diagnostics: diag,
	}
}

// FirstFailure returns the index of the first failed or timed-out
// non-best-effort step, or -1.
func (r *Report) FirstFailure() int {
	for _, step := range r.Steps {
		if step.BestEffort {
			continue
		}
		if step.Outcome == Failed || step.Outcome == TimedOut {
			return step.Index
		}
	}

	return -1
}

// ExitCode maps the report to a process exit code: 0 when everything
// succeeded, otherwise 1 + the first failing step index, capped at 125 to
// stay clear of the shell's reserved codes.
func (r *Report) ExitCode() int {
	if r.Passed {
		return 0
	}

	index := r.FirstFailure()
	if index < 0 {
		// Setup or teardown failure with no failing step.
		return 1
	}

	code := 1 + index
	if code > 125 {
		code = 125
	}

	return code
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
