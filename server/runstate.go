package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matgreaves/stackup/server/ready"
	"github.com/matgreaves/stackup/spec"
)

// ServiceState is the live record for one service.
type ServiceState struct {
	Name  string     `json:"name" yaml:"name"`
	Index int        `json:"index" yaml:"index"`
	Phase spec.Phase `json:"phase" yaml:"phase"`

	// ExitCode is set once the service has exited at least once.
	ExitCode *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// Handle is the backend's id for the running instance.
	Handle string `json:"handle,omitempty" yaml:"handle,omitempty"`

	// Started is set once the service has reached running.
	Started bool `json:"started" yaml:"started"`

	// Restarting is set on an exited state that the restart policy is
	// about to relaunch. Conditions treat such a service as not finished.
	Restarting bool `json:"restarting,omitempty" yaml:"restarting,omitempty"`
	Restarts   int  `json:"restarts" yaml:"restarts"`

	ProbeAttempts   int          `json:"probe_attempts,omitempty" yaml:"probe_attempts,omitempty"`
	LastProbe       ready.Result `json:"last_probe,omitzero" yaml:"last_probe,omitempty"`
	ManuallyStopped bool         `json:"manually_stopped,omitempty" yaml:"manually_stopped,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at" yaml:"updated_at"`
}

// Steady reports whether the service has reached a state that startup
// does not need to wait on.
func (s ServiceState) Steady() bool {
	switch s.Phase {
	case spec.PhaseHealthy, spec.PhaseFailed, spec.PhaseBlocked, spec.PhaseStopped:
		return true
	case spec.PhaseExited:
		return !s.Restarting
	}
	return false
}

// Transition is one phase change in the transition log. Seq is strictly
// increasing across all services.
type Transition struct {
	Seq      uint64     `json:"seq" yaml:"seq"`
	Service  string     `json:"service" yaml:"service"`
	From     spec.Phase `json:"from" yaml:"from"`
	To       spec.Phase `json:"to" yaml:"to"`
	ExitCode *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Reason   string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	At       time.Time  `json:"at" yaml:"at"`
}

// Snapshot is a consistent copy of every service's state in declaration order.
type Snapshot struct {
	Seq      uint64         `json:"seq" yaml:"seq"`
	Services []ServiceState `json:"services" yaml:"services"`
}

// Get returns the state of the named service.
func (s Snapshot) Get(name string) (ServiceState, bool) {
	for _, st := range s.Services {
		if st.Name == name {
			return st, true
		}
	}
	return ServiceState{}, false
}

// Observer is notified of every phase change. It is called with the
// RunState lock held and must not call back into the RunState.
type Observer interface {
	Observe(state ServiceState, t Transition)
}

// RunState holds the live state of every service and the transition log.
// It is the only place service state is written. Writers wake all waiters
// by closing the notify channel and replacing it.
type RunState struct {
	mu          sync.Mutex
	states      []ServiceState
	index       map[string]int
	transitions []Transition
	seq         uint64
	notify      chan struct{}
	observers   []Observer
	now         func() time.Time
}

// NewRunState creates a RunState with every service pending.
func NewRunState(services []spec.Service, observers ...Observer) *RunState {
	r := &RunState{
		states:    make([]ServiceState, len(services)),
		index:     make(map[string]int, len(services)),
		notify:    make(chan struct{}),
		observers: observers,
		now:       time.Now,
	}
	for i, svc := range services {
		r.states[i] = ServiceState{Name: svc.Name, Index: svc.Index, Phase: spec.PhasePending}
		r.index[svc.Name] = i
	}
	return r
}

// Update applies fn to the named service's state. If the phase changed a
// Transition is appended and returned with changed set. Every update wakes
// waiters. Unknown names are ignored.
func (r *RunState) Update(name string, fn func(*ServiceState)) (t Transition, changed bool) {
	r.mu.Lock()
	i, ok := r.index[name]
	if !ok {
		r.mu.Unlock()
		return Transition{}, false
	}
	st := &r.states[i]
	from := st.Phase
	fn(st)
	r.seq++
	now := r.now()
	st.UpdatedAt = now

	if st.Phase != from {
		changed = true
		t = Transition{
			Seq:      r.seq,
			Service:  name,
			From:     from,
			To:       st.Phase,
			ExitCode: copyCode(st.ExitCode),
			Reason:   st.Reason,
			At:       now,
		}
		r.transitions = append(r.transitions, t)
		for _, o := range r.observers {
			o.Observe(*st, t)
		}
	}

	ch := r.notify
	r.notify = make(chan struct{})
	r.mu.Unlock()

	close(ch)
	return t, changed
}

// SetPhase is shorthand for an Update that only moves the phase and reason.
func (r *RunState) SetPhase(name string, phase spec.Phase, reason string) (Transition, bool) {
	return r.Update(name, func(s *ServiceState) {
		s.Phase = phase
		s.Reason = reason
	})
}

// Get returns a copy of the named service's state.
func (r *RunState) Get(name string) (ServiceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[name]
	if !ok {
		return ServiceState{}, false
	}
	return copyState(r.states[i]), true
}

// Snapshot returns a copy of every service's state in declaration order.
func (r *RunState) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceState, len(r.states))
	for i, st := range r.states {
		out[i] = copyState(st)
	}
	return Snapshot{Seq: r.seq, Services: out}
}

// Seq returns the sequence number of the latest update.
func (r *RunState) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Transitions returns a copy of the transition log.
func (r *RunState) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transitions)
}

// transitionsSince returns transitions with Seq > seq. Caller must hold r.mu.
// Seq numbers are shared with non-phase updates, so the log has gaps.
func (r *RunState) transitionsSince(seq uint64) []Transition {
	i, _ := slices.BinarySearchFunc(r.transitions, seq+1, func(t Transition, target uint64) int {
		switch {
		case t.Seq < target:
			return -1
		case t.Seq > target:
			return 1
		}
		return 0
	})
	return slices.Clone(r.transitions[i:])
}

// WaitChange blocks until an update newer than afterSeq exists, timeout
// elapses or ctx ends. It returns the latest sequence number. A zero
// timeout waits without limit.
func (r *RunState) WaitChange(ctx context.Context, afterSeq uint64, timeout time.Duration) (uint64, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		r.mu.Lock()
		seq, notify := r.seq, r.notify
		r.mu.Unlock()
		if seq > afterSeq {
			return seq, nil
		}
		select {
		case <-notify:
		case <-timer:
			return seq, nil
		case <-ctx.Done():
			return seq, ctx.Err()
		}
	}
}

// WaitFor scans the existing log for a matching transition. If none is
// found it blocks until one is appended or ctx ends.
func (r *RunState) WaitFor(ctx context.Context, match func(Transition) bool) (Transition, error) {
	var cursor uint64
	for {
		r.mu.Lock()
		batch := r.transitionsSince(cursor)
		seq, notify := r.seq, r.notify
		r.mu.Unlock()

		for _, t := range batch {
			if match(t) {
				return t, nil
			}
		}
		cursor = seq

		select {
		case <-notify:
		case <-ctx.Done():
			return Transition{}, ctx.Err()
		}
	}
}

// Subscribe returns a channel that replays transitions with Seq > fromSeq
// and then streams new ones. The channel is closed when ctx ends.
//
// The channel is buffered (256). A subscriber that falls behind loses
// transitions; writers never block.
func (r *RunState) Subscribe(ctx context.Context, fromSeq uint64) <-chan Transition {
	ch := make(chan Transition, 256)

	go func() {
		defer close(ch)
		cursor := fromSeq
		for {
			r.mu.Lock()
			batch := r.transitionsSince(cursor)
			seq, notify := r.seq, r.notify
			r.mu.Unlock()

			for _, t := range batch {
				select {
				case ch <- t:
				case <-ctx.Done():
					return
				default:
				}
			}
			cursor = seq

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func copyCode(c *int) *int {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}

func copyState(s ServiceState) ServiceState {
	s.ExitCode = copyCode(s.ExitCode)
	return s
}
