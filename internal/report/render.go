package report

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

var (
	green     = color.New(color.FgGreen).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	bold      = color.New(color.Bold).SprintFunc()
	checkMark = green("✓")
	crossMark = red("✗")
	skipMark  = yellow("○")
)

// Render writes a human-readable report.
func (r *Report) Render(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "%s (run %s)\n\n", bold(r.Scenario), r.RunID)

	for _, step := range r.Steps {
		mark := checkMark
		switch step.Outcome {
		case Failed, TimedOut:
			mark = crossMark
		case Skipped, Pending:
			mark = skipMark
		}

		suffix := ""
		switch {
		case step.Outcome == TimedOut:
			suffix = yellow(" [timed out]")
		case step.Outcome == Skipped:
			suffix = " [skipped]"
		case step.BestEffort && step.Outcome != Succeeded:
			suffix = yellow(" [best effort]")
		}

		fmt.Fprintf(w, " %s %-24s %s (%s)%s\n",
			mark, step.Name, step.Kind, step.Elapsed.Round(time.Millisecond), suffix)

		if step.Error != "" && (verbose || step.Outcome != Succeeded) {
			fmt.Fprintf(w, "   %s\n", step.Error)
		}
	}

	fmt.Fprintln(w)

	if r.Passed {
		fmt.Fprintf(w, "%s %s", bold("PASSED"), checkMark)
	} else {
		fmt.Fprintf(w, "%s %s", bold("FAILED"), crossMark)
		if index := r.FirstFailure(); index >= 0 {
			fmt.Fprintf(w, " at step %d (%s)", index, r.Steps[index].Name)
		}
	}
	fmt.Fprintf(w, " (took %s)\n", r.Elapsed.Round(time.Millisecond))

	if r.Diagnostics.SetupErr != "" {
		fmt.Fprintf(w, "\nSetup failed: %s\n", r.Diagnostics.SetupErr)
	}

	if !r.Passed || verbose {
		if len(r.Diagnostics.NodeStates) > 0 {
			fmt.Fprintln(w, "\nFinal node states:")
			for node, state := range r.Diagnostics.NodeStates {
				fmt.Fprintf(w, "  %-16s %s\n", node, state)
			}
		}

		if len(r.Diagnostics.ActiveFaults) > 0 {
			fmt.Fprintln(w, "\nFaults still active at abort:")
			for _, f := range r.Diagnostics.ActiveFaults {
				fmt.Fprintf(w, "  %s\n", f)
			}
		}

		if r.Diagnostics.RevertAllErr != "" {
			fmt.Fprintf(w, "\nRevert-all error: %s\n", r.Diagnostics.RevertAllErr)
		}

		if len(r.Diagnostics.LeakedResources) > 0 {
			fmt.Fprintln(w, "\nResources left behind (clean up manually):")
			for _, name := range r.Diagnostics.LeakedResources {
				fmt.Fprintf(w, "  %s\n", name)
			}
		}
	}
}
