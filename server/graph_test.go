package server_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/matryer/is"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/spec"
)

// stackOf builds a stack from name → dependencies, preserving argument order.
func stackOf(services ...spec.Service) spec.Stack {
	for i := range services {
		services[i].Index = i
	}
	return spec.Stack{Name: "test", Services: services}
}

func svc(name string, deps ...spec.Dependency) spec.Service {
	return spec.Service{Name: name, DependsOn: deps}
}

func on(name string, cond spec.Condition) spec.Dependency {
	return spec.Dependency{Service: name, Condition: cond, Required: true}
}

func started(name string) spec.Dependency   { return on(name, spec.ConditionStarted) }
func healthy(name string) spec.Dependency   { return on(name, spec.ConditionHealthy) }
func completed(name string) spec.Dependency { return on(name, spec.ConditionCompletedSuccessfully) }

func TestBuildGraph_Acyclic(t *testing.T) {
	is := is.New(t)
	g, err := server.BuildGraph(stackOf(
		svc("web", healthy("api")),
		svc("api", healthy("db"), completed("migrate")),
		svc("migrate", healthy("db")),
		svc("db"),
		svc("cache"),
	))
	is.NoErr(err)

	is.Equal(g.Order(), []string{"db", "migrate", "api", "web", "cache"})
	is.True(g.IsOneShot("migrate"))
	is.True(!g.IsOneShot("db"))
	is.Equal(g.Dependents("db"), []string{"api", "migrate"})
	is.Equal(g.TeardownLevels(), [][]string{{"web"}, {"api"}, {"migrate"}, {"db", "cache"}})
}

func TestBuildGraph_OrderRespectsEveryEdge(t *testing.T) {
	is := is.New(t)
	g, err := server.BuildGraph(stackOf(
		svc("e", started("d"), started("a")),
		svc("d", started("c")),
		svc("c", started("b")),
		svc("b"),
		svc("a"),
	))
	is.NoErr(err)

	order := g.Order()
	for _, s := range g.Services() {
		for _, dep := range s.DependsOn {
			is.True(slices.Index(order, dep.Service) < slices.Index(order, s.Name)) // prerequisite comes first
		}
	}
}

func TestBuildGraph_Cycle(t *testing.T) {
	is := is.New(t)
	_, err := server.BuildGraph(stackOf(
		svc("a", started("b")),
		svc("b", started("c")),
		svc("c", started("a")),
	))
	is.True(err != nil)
	is.True(errors.Is(err, server.ErrCyclicDependency))
	is.True(errors.Is(err, server.ErrConfig))
	is.True(strings.Contains(err.Error(), "cycle detected: a → b → c → a"))
}

func TestBuildGraph_SelfDependency(t *testing.T) {
	is := is.New(t)
	_, err := server.BuildGraph(stackOf(svc("a", healthy("a"))))
	is.True(err != nil)
	is.True(errors.Is(err, server.ErrCyclicDependency))
	is.True(strings.Contains(err.Error(), "a → a"))
}

func TestBuildGraph_UnknownPrerequisite(t *testing.T) {
	is := is.New(t)
	_, err := server.BuildGraph(stackOf(
		svc("api", healthy("postgress")),
		svc("postgres"),
	))
	is.True(err != nil)
	is.True(errors.Is(err, server.ErrUnknownPrerequisite))
	is.True(strings.Contains(err.Error(), `did you mean "postgres"?`))
}

func TestBuildGraph_OptionalUnknownPrerequisiteIgnored(t *testing.T) {
	is := is.New(t)
	dep := started("tracing")
	dep.Required = false
	g, err := server.BuildGraph(stackOf(svc("api", dep)))
	is.NoErr(err)
	is.Equal(len(g.Prerequisites("api")), 0)
}

func TestBuildGraph_ConflictingConditions(t *testing.T) {
	is := is.New(t)
	_, err := server.BuildGraph(stackOf(
		svc("seed"),
		svc("a", completed("seed")),
		svc("b", healthy("seed")),
	))
	is.True(err != nil)
	is.True(errors.Is(err, server.ErrConflictingConditions))
}

func TestBuildGraph_UnknownResources(t *testing.T) {
	is := is.New(t)
	s := stackOf(spec.Service{
		Name:     "db",
		Networks: []string{"backend"},
		Volumes: []spec.VolumeMount{
			{Source: "pgdata", Target: "/var/lib/postgresql/data"},
			{Source: "/etc/hosts", Target: "/etc/hosts", Bind: true},
		},
	})
	_, err := server.BuildGraph(s)
	is.True(err != nil)
	is.True(errors.Is(err, server.ErrUnknownResource))

	var cerr *server.ConfigError
	is.True(errors.As(err, &cerr))
	is.Equal(len(cerr.Problems), 2)

	s.Volumes = map[string]spec.Volume{"pgdata": {}}
	s.Networks = map[string]spec.Network{"backend": {}}
	_, err = server.BuildGraph(s)
	is.NoErr(err)
}

func TestBuildGraph_ReportsAllProblems(t *testing.T) {
	is := is.New(t)
	_, err := server.BuildGraph(stackOf(
		svc("a", started("missing")),
		svc("b", started("b")),
		svc("c", started("d")),
		svc("d", started("c")),
	))
	var cerr *server.ConfigError
	is.True(errors.As(err, &cerr))
	is.Equal(len(cerr.Problems), 3)
}

func TestBuildGraph_LocalAIStack(t *testing.T) {
	is := is.New(t)
	stack, err := spec.Load("../testdata/local-ai/compose.yaml", spec.LoadOptions{})
	is.NoErr(err)

	g, err := server.BuildGraph(stack)
	is.NoErr(err)

	is.Equal(g.Order(), []string{
		"qdrant", "caddy", "supabase-db", "n8n-import", "n8n", "supabase-rest", "supabase-storage",
	})
	is.True(g.IsOneShot("n8n-import"))
}

// snapshot builds a Snapshot for g with the given overrides.
func snapshot(g *server.Graph, states ...server.ServiceState) server.Snapshot {
	snap := server.Snapshot{}
	for _, s := range g.Services() {
		st := server.ServiceState{Name: s.Name, Index: s.Index, Phase: spec.PhasePending}
		for _, o := range states {
			if o.Name == s.Name {
				st = o
				st.Index = s.Index
			}
		}
		snap.Services = append(snap.Services, st)
	}
	return snap
}

func code(c int) *int { return &c }

func TestReadyToLaunch(t *testing.T) {
	is := is.New(t)
	g, err := server.BuildGraph(stackOf(
		svc("db"),
		svc("migrate", healthy("db")),
		svc("api", completed("migrate"), started("cache")),
		svc("cache"),
	))
	is.NoErr(err)

	collect := func(snap server.Snapshot) []string { return slices.Collect(g.ReadyToLaunch(snap)) }

	is.Equal(collect(snapshot(g)), []string{"db", "cache"})

	snap := snapshot(g,
		server.ServiceState{Name: "db", Phase: spec.PhaseRunning, Started: true},
		server.ServiceState{Name: "cache", Phase: spec.PhaseRunning, Started: true},
	)
	is.Equal(len(collect(snap)), 0)

	snap = snapshot(g,
		server.ServiceState{Name: "db", Phase: spec.PhaseHealthy, Started: true},
		server.ServiceState{Name: "cache", Phase: spec.PhaseHealthy, Started: true},
	)
	is.Equal(collect(snap), []string{"migrate"})

	snap = snapshot(g,
		server.ServiceState{Name: "db", Phase: spec.PhaseHealthy, Started: true},
		server.ServiceState{Name: "migrate", Phase: spec.PhaseExited, Started: true, ExitCode: code(0), Restarting: true},
		server.ServiceState{Name: "cache", Phase: spec.PhaseHealthy, Started: true},
	)
	is.Equal(len(collect(snap)), 0) // a restarting exit does not satisfy completed_successfully

	snap.Services[1].Restarting = false
	is.Equal(collect(snap), []string{"api"})

	// Pure function of the snapshot: a second pass yields the same thing.
	is.Equal(collect(snap), collect(snap))
}

func TestUnreachable(t *testing.T) {
	is := is.New(t)
	g, err := server.BuildGraph(stackOf(
		svc("migrate"),
		svc("api", completed("migrate")),
		svc("web", healthy("api")),
	))
	is.NoErr(err)

	snap := snapshot(g, server.ServiceState{Name: "migrate", Phase: spec.PhaseExited, Started: true, ExitCode: code(1)})

	var blocked []string
	for name, reason := range g.Unreachable(snap) {
		blocked = append(blocked, name)
		is.True(strings.Contains(reason, "migrate exited with code 1"))
	}
	is.Equal(blocked, []string{"api"})

	// Once api is blocked, web becomes unreachable too.
	snap.Services[1].Phase = spec.PhaseBlocked
	blocked = blocked[:0]
	for name := range g.Unreachable(snap) {
		blocked = append(blocked, name)
	}
	is.Equal(blocked, []string{"web"})
}

func TestConditionRules(t *testing.T) {
	tests := []struct {
		name          string
		cond          spec.Condition
		state         server.ServiceState
		satisfied     bool
		unsatisfiable bool
	}{
		{"started while running", spec.ConditionStarted, server.ServiceState{Phase: spec.PhaseRunning, Started: true}, true, false},
		{"started while launching", spec.ConditionStarted, server.ServiceState{Phase: spec.PhaseLaunching}, false, false},
		{"started stays satisfied after exit", spec.ConditionStarted, server.ServiceState{Phase: spec.PhaseExited, Started: true, ExitCode: code(1)}, true, false},
		{"started never launched", spec.ConditionStarted, server.ServiceState{Phase: spec.PhaseFailed}, false, true},
		{"healthy while running", spec.ConditionHealthy, server.ServiceState{Phase: spec.PhaseRunning, Started: true}, false, false},
		{"healthy", spec.ConditionHealthy, server.ServiceState{Phase: spec.PhaseHealthy, Started: true}, true, false},
		{"healthy after exit", spec.ConditionHealthy, server.ServiceState{Phase: spec.PhaseExited, Started: true, ExitCode: code(0)}, false, true},
		{"healthy while restarting", spec.ConditionHealthy, server.ServiceState{Phase: spec.PhaseExited, Started: true, ExitCode: code(1), Restarting: true}, false, false},
		{"healthy failed", spec.ConditionHealthy, server.ServiceState{Phase: spec.PhaseFailed, Started: true}, false, true},
		{"completed zero", spec.ConditionCompletedSuccessfully, server.ServiceState{Phase: spec.PhaseExited, ExitCode: code(0)}, true, false},
		{"completed non-zero", spec.ConditionCompletedSuccessfully, server.ServiceState{Phase: spec.PhaseExited, ExitCode: code(2)}, false, true},
		{"completed blocked", spec.ConditionCompletedSuccessfully, server.ServiceState{Phase: spec.PhaseBlocked}, false, true},
		{"completed running", spec.ConditionCompletedSuccessfully, server.ServiceState{Phase: spec.PhaseRunning, Started: true}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			dep := on("x", tt.cond)
			is.Equal(server.Satisfied(dep, tt.state), tt.satisfied)
			is.Equal(server.Unsatisfiable(dep, tt.state), tt.unsatisfiable)
		})
	}
}
