package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matgreaves/stackup/server/ready"
	"github.com/matgreaves/stackup/spec"
)

func watchdogGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := BuildGraph(spec.Stack{Name: "test", Services: []spec.Service{
		{Name: "db"},
		{Name: "app", Index: 1, DependsOn: []spec.Dependency{
			{Service: "db", Condition: spec.ConditionHealthy, Required: true},
		}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestProgressWatchdog_LogsStall(t *testing.T) {
	g := watchdogGraph(t)
	state := NewRunState(g.Services())
	state.SetPhase("db", spec.PhaseLaunching, "")
	state.Update("db", func(s *ServiceState) {
		s.Phase = spec.PhaseRunning
		s.ProbeAttempts = 4
		s.LastProbe = ready.Result{Status: ready.Unhealthy, Reason: "exit code 1"}
	})

	core, logs := observer.New(zapcore.WarnLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go progressWatchdog(ctx, state, g, zap.New(core), 20*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for logs.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no stall logged")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg := logs.All()[0].Message
	for _, want := range []string{
		"no progress for 20ms:",
		"db: running, health check 4 attempts, last: exit code 1",
		"app: pending, waiting on db (healthy)",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("stall message missing %q:\n%s", want, msg)
		}
	}
}

func TestProgressWatchdog_ExitsWhenSteady(t *testing.T) {
	g := watchdogGraph(t)
	state := NewRunState(g.Services())
	state.SetPhase("db", spec.PhaseHealthy, "")
	state.SetPhase("app", spec.PhaseHealthy, "")

	done := make(chan struct{})
	go func() {
		progressWatchdog(context.Background(), state, g, zap.NewNop(), 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog kept running after every service settled")
	}
}

func TestBuildStallSnapshot_SkipsSteady(t *testing.T) {
	g := watchdogGraph(t)
	state := NewRunState(g.Services())
	state.SetPhase("db", spec.PhaseFailed, "boom")

	snap := buildStallSnapshot(state.Snapshot(), g, time.Second)
	if len(snap.Services) != 1 || snap.Services[0].Name != "app" {
		t.Fatalf("services = %+v, want only app", snap.Services)
	}
	if got := snap.Services[0].WaitingOn; len(got) != 1 || got[0] != "db (healthy)" {
		t.Errorf("waiting on %v", got)
	}
}
