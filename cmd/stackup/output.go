package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/spec"
)

const (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A89")
)

// styles binds the palette to a writer's color profile, so output to a
// pipe or file is plain text.
type styles struct {
	header, ok, warning, err, muted lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:  r.NewStyle().Bold(true),
		ok:      r.NewStyle().Foreground(colorOK),
		warning: r.NewStyle().Foreground(colorWarning),
		err:     r.NewStyle().Foreground(colorError),
		muted:   r.NewStyle().Foreground(colorMuted),
	}
}

func (s styles) phase(p spec.Phase) lipgloss.Style {
	switch p {
	case spec.PhaseHealthy, spec.PhaseRunning:
		return s.ok
	case spec.PhaseFailed, spec.PhaseBlocked:
		return s.err
	case spec.PhaseLaunching, spec.PhasePending:
		return s.warning
	}
	return s.muted
}

// row is one line of the service table.
type row struct {
	name, phase, exit, restarts, reason string
	style                               lipgloss.Style
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

// renderTable writes rows as aligned columns. Widths are measured on the
// plain text so styling does not disturb alignment.
func renderTable(w io.Writer, st styles, rows []row) {
	headers := row{name: "SERVICE", phase: "PHASE", exit: "EXIT", restarts: "RESTARTS", reason: "REASON"}
	widths := [4]int{len(headers.name), len(headers.phase), len(headers.exit), len(headers.restarts)}
	for _, r := range rows {
		widths[0] = max(widths[0], len(r.name))
		widths[1] = max(widths[1], len(r.phase))
		widths[2] = max(widths[2], len(r.exit))
		widths[3] = max(widths[3], len(r.restarts))
	}
	pad := func(s string, n int) string { return s + strings.Repeat(" ", n-len(s)+2) }

	fmt.Fprintln(w, st.header.Render(strings.TrimRight(
		pad(headers.name, widths[0])+pad(headers.phase, widths[1])+
			pad(headers.exit, widths[2])+pad(headers.restarts, widths[3])+headers.reason, " ")))
	for _, r := range rows {
		line := pad(r.name, widths[0]) +
			r.style.Render(r.phase) + strings.Repeat(" ", widths[1]-len(r.phase)+2) +
			pad(r.exit, widths[2]) + pad(r.restarts, widths[3]) + r.reason
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

// printReport writes the outcome of up.
func printReport(w io.Writer, rep server.Report) {
	st := newStyles(w)
	rows := make([]row, len(rep.Services))
	for i, s := range rep.Services {
		rows[i] = row{
			name:     s.Name,
			phase:    string(s.Phase),
			exit:     exitText(s.ExitCode),
			restarts: strconv.Itoa(s.Restarts),
			reason:   s.Reason,
			style:    st.phase(s.Phase),
		}
	}
	renderTable(w, st, rows)
	fmt.Fprintln(w)

	if rep.OK {
		fmt.Fprintln(w, st.ok.Render("✓ stack is up"))
		return
	}
	failed := rep.Failed()
	names := make([]string, len(failed))
	for i, s := range failed {
		names[i] = s.Name
	}
	fmt.Fprintln(w, st.err.Render(fmt.Sprintf("✗ %d of %d services not ready: %s",
		len(failed), len(rep.Services), strings.Join(names, ", "))))
}

// printSnapshot writes a service table for a persisted snapshot.
func printSnapshot(w io.Writer, snap server.Snapshot) {
	st := newStyles(w)
	rows := make([]row, len(snap.Services))
	for i, s := range snap.Services {
		rows[i] = row{
			name:     s.Name,
			phase:    string(s.Phase),
			exit:     exitText(s.ExitCode),
			restarts: strconv.Itoa(s.Restarts),
			reason:   s.Reason,
			style:    st.phase(s.Phase),
		}
	}
	renderTable(w, st, rows)
}

// encode writes v as json or yaml.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Newf("unknown output format %q", format)
}
