// Package explain diagnoses a stack that did not settle. It traces every
// blocked service back to the failures that caused it and attaches each
// failure's phase history from the transition log.
package explain

import (
	"slices"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/spec"
)

// Report is the diagnosis of one run.
type Report struct {
	Project  string    `json:"project"`
	OK       bool      `json:"ok"`
	Failures []Failure `json:"failures,omitempty"`
	Blocked  []Blocked `json:"blocked,omitempty"`
	// Unsettled lists services still pending, launching or running
	// unhealthy when the snapshot was taken.
	Unsettled []string `json:"unsettled,omitempty"`
}

// Failure is a service that is itself the cause of a problem.
type Failure struct {
	Service  string     `json:"service"`
	Phase    spec.Phase `json:"phase"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Restarts int        `json:"restarts,omitempty"`

	// Blocks lists the services blocked because of this failure.
	Blocks  []string            `json:"blocks,omitempty"`
	History []server.Transition `json:"history,omitempty"`
}

// Blocked is a service that never launched, with the path back to a root
// failure: Chain[0] is the service, the last entry is the root.
type Blocked struct {
	Service string   `json:"service"`
	Reason  string   `json:"reason,omitempty"`
	Chain   []string `json:"chain"`
}

// Analyze builds a report from a snapshot and its transition log.
func Analyze(g *server.Graph, snap server.Snapshot, log []server.Transition) *Report {
	rep := &Report{
		Project: g.Stack().Name,
		OK:      server.NewReport(g, snap).OK,
	}

	roots := make(map[string]*Failure)
	rootOrder := []string{}
	addRoot := func(name string) *Failure {
		if f, ok := roots[name]; ok {
			return f
		}
		st, _ := snap.Get(name)
		f := &Failure{
			Service:  name,
			Phase:    st.Phase,
			ExitCode: st.ExitCode,
			Reason:   st.Reason,
			Restarts: st.Restarts,
			History:  history(log, name),
		}
		roots[name] = f
		rootOrder = append(rootOrder, name)
		return f
	}

	for _, st := range snap.Services {
		switch {
		case st.Phase == spec.PhaseFailed:
			addRoot(st.Name)
		case st.Phase == spec.PhaseExited && !st.Restarting && st.ExitCode != nil && *st.ExitCode != 0:
			addRoot(st.Name)
		case st.Phase == spec.PhaseBlocked:
			chain := trace(g, snap, st.Name, nil)
			rep.Blocked = append(rep.Blocked, Blocked{Service: st.Name, Reason: st.Reason, Chain: chain})
			if root := chain[len(chain)-1]; root != st.Name {
				f := addRoot(root)
				f.Blocks = append(f.Blocks, st.Name)
			}
		case !st.Steady():
			rep.Unsettled = append(rep.Unsettled, st.Name)
		}
	}

	// Roots keep declaration order regardless of discovery order.
	slices.SortFunc(rootOrder, func(a, b string) int {
		sa, _ := snap.Get(a)
		sb, _ := snap.Get(b)
		return sa.Index - sb.Index
	})
	for _, name := range rootOrder {
		rep.Failures = append(rep.Failures, *roots[name])
	}
	return rep
}

// trace follows unsatisfiable prerequisites from a blocked service until it
// reaches one that is not itself blocked.
func trace(g *server.Graph, snap server.Snapshot, name string, seen []string) []string {
	chain := append(seen, name)
	st, _ := snap.Get(name)
	if st.Phase != spec.PhaseBlocked {
		return chain
	}
	for _, dep := range g.Prerequisites(name) {
		pre, ok := snap.Get(dep.Service)
		if !ok || slices.Contains(chain, dep.Service) || !server.Unsatisfiable(dep, pre) {
			continue
		}
		return trace(g, snap, dep.Service, chain)
	}
	return chain
}

func history(log []server.Transition, name string) []server.Transition {
	var out []server.Transition
	for _, t := range log {
		if t.Service == name {
			out = append(out, t)
		}
	}
	return out
}
