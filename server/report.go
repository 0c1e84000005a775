package server

import (
	"github.com/matgreaves/stackup/spec"
)

// ServiceReport is the outcome of one service after Up.
type ServiceReport struct {
	Name     string     `json:"name" yaml:"name"`
	Phase    spec.Phase `json:"phase" yaml:"phase"`
	ExitCode *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Reason   string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	OneShot  bool       `json:"one_shot,omitempty" yaml:"one_shot,omitempty"`
	Restarts int        `json:"restarts,omitempty" yaml:"restarts,omitempty"`
}

// Accepting reports whether the service ended up where it should: healthy,
// or exited 0 without a pending restart.
func (r ServiceReport) Accepting() bool {
	switch r.Phase {
	case spec.PhaseHealthy:
		return !r.OneShot
	case spec.PhaseExited:
		return r.ExitCode != nil && *r.ExitCode == 0
	}
	return false
}

// Report summarises the stack once Up returns.
type Report struct {
	Services []ServiceReport `json:"services" yaml:"services"`

	// OK is true when every service is accepting.
	OK bool `json:"ok" yaml:"ok"`
}

// Failed returns the services that are not accepting.
func (r Report) Failed() []ServiceReport {
	var out []ServiceReport
	for _, s := range r.Services {
		if !s.Accepting() {
			out = append(out, s)
		}
	}
	return out
}

// NewReport builds a report from a snapshot.
func NewReport(g *Graph, snap Snapshot) Report {
	rep := Report{OK: len(snap.Services) > 0}
	for _, st := range snap.Services {
		sr := ServiceReport{
			Name:     st.Name,
			Phase:    st.Phase,
			ExitCode: copyCode(st.ExitCode),
			Reason:   st.Reason,
			OneShot:  g.IsOneShot(st.Name),
			Restarts: st.Restarts,
		}
		if !sr.Accepting() {
			rep.OK = false
		}
		rep.Services = append(rep.Services, sr)
	}
	return rep
}

func (o *Orchestrator) report() Report {
	return NewReport(o.graph, o.state.Snapshot())
}
