package explain

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// JSON writes the report as JSON to w.
func JSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Pretty writes a human-readable report to w.
func Pretty(w io.Writer, r *Report) {
	if r.OK {
		fmt.Fprintf(w, "%s  OK\n", r.Project)
		return
	}
	fmt.Fprintf(w, "%s  NOT READY\n", r.Project)

	if len(r.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Failures:")
		for _, f := range r.Failures {
			line := fmt.Sprintf("    %s: %s", f.Service, f.Phase)
			if f.Reason != "" {
				line += " (" + f.Reason + ")"
			}
			if f.Restarts > 0 {
				line += fmt.Sprintf(" after %d restarts", f.Restarts)
			}
			fmt.Fprintln(w, line)
			if len(f.Blocks) > 0 {
				fmt.Fprintf(w, "      blocks %s\n", strings.Join(f.Blocks, ", "))
			}
			if len(f.History) > 0 {
				phases := []string{string(f.History[0].From)}
				for _, t := range f.History {
					phases = append(phases, string(t.To))
				}
				fmt.Fprintf(w, "      history %s\n", strings.Join(phases, " → "))
			}
		}
	}

	if len(r.Blocked) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Blocked:")
		for _, b := range r.Blocked {
			if len(b.Chain) > 1 {
				fmt.Fprintf(w, "    %s\n", strings.Join(b.Chain, " ← "))
			} else {
				fmt.Fprintf(w, "    %s: %s\n", b.Service, b.Reason)
			}
		}
	}

	if len(r.Unsettled) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  Still starting: %s\n", strings.Join(r.Unsettled, ", "))
	}
}
