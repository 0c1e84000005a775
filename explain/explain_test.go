package explain

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/spec"
)

func dep(name string, c spec.Condition) spec.Dependency {
	return spec.Dependency{Service: name, Condition: c, Required: true}
}

// chainStack is db ← migrate (completed) ← api (healthy) ← web (started),
// plus an unrelated cache.
func chainStack(t *testing.T) *server.Graph {
	t.Helper()
	g, err := server.BuildGraph(spec.Stack{
		Name: "shop",
		Services: []spec.Service{
			{Name: "db"},
			{Name: "migrate", Index: 1, DependsOn: []spec.Dependency{dep("db", spec.ConditionHealthy)}},
			{Name: "api", Index: 2, DependsOn: []spec.Dependency{dep("migrate", spec.ConditionCompletedSuccessfully)}},
			{Name: "web", Index: 3, DependsOn: []spec.Dependency{dep("api", spec.ConditionHealthy)}},
			{Name: "cache", Index: 4},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// record drives a RunState and returns its snapshot and log.
func record(g *server.Graph, steps func(rs *server.RunState)) (server.Snapshot, []server.Transition) {
	rs := server.NewRunState(g.Services())
	steps(rs)
	return rs.Snapshot(), rs.Transitions()
}

func TestAnalyzeTracesBlockedToRoot(t *testing.T) {
	g := chainStack(t)
	snap, log := record(g, func(rs *server.RunState) {
		rs.SetPhase("db", spec.PhaseLaunching, "")
		rs.Update("db", func(s *server.ServiceState) { s.Phase, s.Started = spec.PhaseRunning, true })
		rs.SetPhase("db", spec.PhaseHealthy, "")
		rs.SetPhase("migrate", spec.PhaseLaunching, "")
		rs.Update("migrate", func(s *server.ServiceState) { s.Phase, s.Started = spec.PhaseRunning, true })
		rs.Update("migrate", func(s *server.ServiceState) {
			code := 1
			s.Phase, s.ExitCode, s.Reason = spec.PhaseFailed, &code, "exited with code 1"
		})
		rs.SetPhase("api", spec.PhaseBlocked, "prerequisite migrate failed")
		rs.SetPhase("web", spec.PhaseBlocked, "prerequisite api blocked")
		rs.SetPhase("cache", spec.PhaseLaunching, "")
	})

	r := Analyze(g, snap, log)

	if r.OK {
		t.Fatal("report should not be OK")
	}
	if len(r.Failures) != 1 || r.Failures[0].Service != "migrate" {
		t.Fatalf("failures = %+v, want only migrate", r.Failures)
	}
	f := r.Failures[0]
	if strings.Join(f.Blocks, ",") != "api,web" {
		t.Errorf("blocks = %v, want [api web]", f.Blocks)
	}
	if len(f.History) != 3 {
		t.Errorf("history has %d transitions, want 3", len(f.History))
	}
	if len(r.Blocked) != 2 {
		t.Fatalf("blocked = %+v", r.Blocked)
	}
	if got := strings.Join(r.Blocked[1].Chain, " "); got != "web api migrate" {
		t.Errorf("web chain = %q", got)
	}
	if len(r.Unsettled) != 1 || r.Unsettled[0] != "cache" {
		t.Errorf("unsettled = %v, want [cache]", r.Unsettled)
	}
}

func TestAnalyzeNonZeroExitIsRoot(t *testing.T) {
	g := chainStack(t)
	snap, log := record(g, func(rs *server.RunState) {
		rs.Update("db", func(s *server.ServiceState) {
			code := 2
			s.Phase, s.ExitCode, s.Started = spec.PhaseExited, &code, true
		})
		rs.SetPhase("migrate", spec.PhaseBlocked, "")
		rs.SetPhase("api", spec.PhaseBlocked, "")
		rs.SetPhase("web", spec.PhaseBlocked, "")
	})

	r := Analyze(g, snap, log)
	if len(r.Failures) != 1 || r.Failures[0].Service != "db" {
		t.Fatalf("failures = %+v, want only db", r.Failures)
	}
	if len(r.Failures[0].Blocks) != 3 {
		t.Errorf("db blocks %v, want 3 services", r.Failures[0].Blocks)
	}
}

func TestAnalyzeTimeoutBlockedHasNoRoot(t *testing.T) {
	g := chainStack(t)
	snap, log := record(g, func(rs *server.RunState) {
		rs.SetPhase("db", spec.PhaseFailed, "startup timeout")
		rs.SetPhase("cache", spec.PhaseBlocked, "startup timeout")
	})

	r := Analyze(g, snap, log)
	var cache *Blocked
	for i := range r.Blocked {
		if r.Blocked[i].Service == "cache" {
			cache = &r.Blocked[i]
		}
	}
	if cache == nil {
		t.Fatal("cache not reported as blocked")
	}
	if len(cache.Chain) != 1 {
		t.Errorf("chain = %v, want just cache", cache.Chain)
	}
}

func TestPretty(t *testing.T) {
	g := chainStack(t)
	snap, log := record(g, func(rs *server.RunState) {
		rs.SetPhase("db", spec.PhaseLaunching, "")
		rs.SetPhase("db", spec.PhaseFailed, "image not found")
		rs.SetPhase("migrate", spec.PhaseBlocked, "prerequisite db failed")
	})

	var buf bytes.Buffer
	Pretty(&buf, Analyze(g, snap, log))
	out := buf.String()

	for _, want := range []string{
		"shop  NOT READY",
		"db: failed (image not found)",
		"blocks migrate",
		"history pending → launching → failed",
		"migrate ← db",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestJSON(t *testing.T) {
	g := chainStack(t)
	snap, log := record(g, func(rs *server.RunState) {
		rs.SetPhase("db", spec.PhaseFailed, "boom")
	})

	var buf bytes.Buffer
	if err := JSON(&buf, Analyze(g, snap, log)); err != nil {
		t.Fatal(err)
	}
	var got Report
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Project != "shop" || len(got.Failures) != 1 {
		t.Errorf("round trip = %+v", got)
	}
}
