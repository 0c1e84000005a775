package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/spec"
)

func newRunState(obs ...server.Observer) *server.RunState {
	return server.NewRunState([]spec.Service{{Name: "a"}, {Name: "b", Index: 1}}, obs...)
}

type recorder struct {
	mu  sync.Mutex
	got []server.Transition
}

func (r *recorder) Observe(_ server.ServiceState, t server.Transition) {
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
}

func TestRunState_StartsPending(t *testing.T) {
	rs := newRunState()

	snap := rs.Snapshot()
	if len(snap.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(snap.Services))
	}
	for _, st := range snap.Services {
		if st.Phase != spec.PhasePending {
			t.Errorf("%s: phase %q, want pending", st.Name, st.Phase)
		}
	}
	if snap.Services[0].Name != "a" || snap.Services[1].Name != "b" {
		t.Errorf("snapshot not in declaration order: %v", snap.Services)
	}
}

func TestRunState_TransitionOnlyOnPhaseChange(t *testing.T) {
	rec := &recorder{}
	rs := newRunState(rec)

	if _, changed := rs.SetPhase("a", spec.PhaseLaunching, ""); !changed {
		t.Fatal("pending → launching should be a transition")
	}
	if _, changed := rs.Update("a", func(s *server.ServiceState) { s.ProbeAttempts = 3 }); changed {
		t.Error("updating a field without moving the phase is not a transition")
	}
	if _, changed := rs.SetPhase("a", spec.PhaseLaunching, ""); changed {
		t.Error("same phase is not a transition")
	}

	log := rs.Transitions()
	if len(log) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(log))
	}
	if log[0].From != spec.PhasePending || log[0].To != spec.PhaseLaunching {
		t.Errorf("transition %s → %s", log[0].From, log[0].To)
	}
	if rs.Seq() != 3 {
		t.Errorf("seq = %d, want 3 (every update bumps it)", rs.Seq())
	}
	if len(rec.got) != 1 {
		t.Errorf("observer saw %d transitions, want 1", len(rec.got))
	}
}

func TestRunState_UnknownServiceIgnored(t *testing.T) {
	rs := newRunState()
	if _, changed := rs.SetPhase("nope", spec.PhaseFailed, ""); changed {
		t.Error("unknown service should not transition")
	}
	if rs.Seq() != 0 {
		t.Errorf("seq = %d, want 0", rs.Seq())
	}
}

func TestRunState_SnapshotIsACopy(t *testing.T) {
	rs := newRunState()
	code := 1
	rs.Update("a", func(s *server.ServiceState) {
		s.Phase = spec.PhaseExited
		s.ExitCode = &code
	})

	snap := rs.Snapshot()
	*snap.Services[0].ExitCode = 99

	st, _ := rs.Get("a")
	if *st.ExitCode != 1 {
		t.Errorf("exit code leaked through snapshot: %d", *st.ExitCode)
	}
}

func TestRunState_WaitChange(t *testing.T) {
	rs := newRunState()
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		rs.SetPhase("a", spec.PhaseLaunching, "")
	}()

	seq, err := rs.WaitChange(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
}

func TestRunState_WaitChangeTimeout(t *testing.T) {
	rs := newRunState()

	start := time.Now()
	seq, err := rs.WaitChange(context.Background(), 0, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("seq = %d, want 0", seq)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("returned before the timeout")
	}
}

func TestRunState_WaitChangeCancelled(t *testing.T) {
	rs := newRunState()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := rs.WaitChange(ctx, 0, 0); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunState_WaitFor(t *testing.T) {
	rs := newRunState()
	rs.SetPhase("a", spec.PhaseLaunching, "")

	go func() {
		time.Sleep(10 * time.Millisecond)
		rs.SetPhase("b", spec.PhaseLaunching, "")
		rs.SetPhase("b", spec.PhaseRunning, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := rs.WaitFor(ctx, func(t server.Transition) bool {
		return t.Service == "b" && t.To == spec.PhaseRunning
	})
	if err != nil {
		t.Fatal(err)
	}
	if tr.From != spec.PhaseLaunching {
		t.Errorf("from = %q", tr.From)
	}
}

func TestRunState_SubscribeReplaysThenStreams(t *testing.T) {
	rs := newRunState()
	rs.SetPhase("a", spec.PhaseLaunching, "")
	rs.SetPhase("a", spec.PhaseRunning, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := rs.Subscribe(ctx, 1)

	rs.SetPhase("a", spec.PhaseHealthy, "")

	var got []spec.Phase
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case tr := <-ch:
			got = append(got, tr.To)
		case <-timeout:
			t.Fatalf("got %v before timeout", got)
		}
	}
	if got[0] != spec.PhaseRunning || got[1] != spec.PhaseHealthy {
		t.Errorf("got %v, want [running healthy]", got)
	}

	cancel()
	for range ch {
	}
}

func TestRunState_SeqStrictlyIncreasing(t *testing.T) {
	rs := newRunState()

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range []spec.Phase{spec.PhaseLaunching, spec.PhaseRunning, spec.PhaseHealthy, spec.PhaseExited} {
				rs.SetPhase(name, p, "")
			}
		}()
	}
	wg.Wait()

	log := rs.Transitions()
	if len(log) != 8 {
		t.Fatalf("expected 8 transitions, got %d", len(log))
	}
	for i := 1; i < len(log); i++ {
		if log[i].Seq <= log[i-1].Seq {
			t.Errorf("seq not increasing at %d: %d after %d", i, log[i].Seq, log[i-1].Seq)
		}
	}
}
