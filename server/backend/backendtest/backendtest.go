// Package backendtest provides a scripted in-memory launch backend for
// orchestrator tests.
package backendtest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/spec"
)

// Run scripts one launch of a service. The last Run of a service repeats
// for any later launches.
type Run struct {
	// StartErr fails the Start call.
	StartErr error

	// StartDelay delays Start before it returns.
	StartDelay time.Duration

	// Exit makes the instance exit on its own after ExitAfter with ExitCode.
	// Otherwise it runs until stopped or Exit is called.
	Exit      bool
	ExitAfter time.Duration
	ExitCode  int

	// Health is the sequence of exit codes returned by Exec, one per call.
	// The last code repeats. Empty means every Exec succeeds.
	Health []int
}

// Call records one backend operation.
type Call struct {
	Op      string
	Service string
	At      time.Time
}

type instance struct {
	handle backend.Handle
	run    Run
	done   chan struct{}
	once   sync.Once
	code   int
	execs  int
}

func (i *instance) exit(code int) {
	i.once.Do(func() {
		i.code = code
		close(i.done)
	})
}

func (i *instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Backend is a backend.Backend whose instances follow a script.
type Backend struct {
	mu        sync.Mutex
	scripts   map[string][]Run
	launches  map[string]int
	instances map[string]*instance
	current   map[string]*instance
	calls     []Call
	nextID    int
	networks  map[string]bool
	volumes   map[string]bool
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Provisioner = (*Backend)(nil)
	_ backend.Lister      = (*Backend)(nil)
)

// New returns an empty backend. Services without a script run until stopped
// and pass every health check.
func New() *Backend {
	return &Backend{
		scripts:   make(map[string][]Run),
		launches:  make(map[string]int),
		instances: make(map[string]*instance),
		current:   make(map[string]*instance),
		networks:  make(map[string]bool),
		volumes:   make(map[string]bool),
	}
}

// Script sets the runs for service, replacing any earlier script.
func (b *Backend) Script(service string, runs ...Run) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[service] = runs
	return b
}

func (b *Backend) record(op, service string) {
	b.calls = append(b.calls, Call{Op: op, Service: service, At: time.Now()})
}

func (b *Backend) nextRun(service string) Run {
	runs := b.scripts[service]
	n := b.launches[service]
	b.launches[service]++
	if len(runs) == 0 {
		return Run{}
	}
	return runs[min(n, len(runs)-1)]
}

// Start implements backend.Backend.
func (b *Backend) Start(ctx context.Context, project string, svc spec.Service) (backend.Handle, error) {
	b.mu.Lock()
	b.record("start", svc.Name)
	run := b.nextRun(svc.Name)
	b.mu.Unlock()

	if run.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return backend.Handle{}, ctx.Err()
		case <-time.After(run.StartDelay):
		}
	}
	if run.StartErr != nil {
		return backend.Handle{}, run.StartErr
	}

	b.mu.Lock()
	b.nextID++
	inst := &instance{
		handle: backend.Handle{ID: fmt.Sprintf("%s-%s-%d", project, svc.Name, b.nextID), Service: svc.Name},
		run:    run,
		done:   make(chan struct{}),
	}
	b.instances[inst.handle.ID] = inst
	b.current[svc.Name] = inst
	b.mu.Unlock()

	if run.Exit {
		go func() {
			select {
			case <-inst.done:
			case <-time.After(run.ExitAfter):
				inst.exit(run.ExitCode)
			}
		}()
	}
	return inst.handle, nil
}

func (b *Backend) lookup(h backend.Handle) (*instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[h.ID]
	if !ok {
		return nil, errors.Wrapf(backend.ErrNotFound, "%s", h.ID)
	}
	return inst, nil
}

// Stop implements backend.Backend. A stopped instance exits with 137.
func (b *Backend) Stop(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	b.record("stop", h.Service)
	inst, ok := b.instances[h.ID]
	delete(b.instances, h.ID)
	b.mu.Unlock()
	if !ok {
		return errors.Wrapf(backend.ErrNotFound, "%s", h.ID)
	}
	inst.exit(137)
	return nil
}

// ExitCode implements backend.Backend.
func (b *Backend) ExitCode(ctx context.Context, h backend.Handle) (int, bool, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return 0, false, err
	}
	if !inst.exited() {
		return 0, false, nil
	}
	return inst.code, true, nil
}

// IsRunning implements backend.Backend.
func (b *Backend) IsRunning(ctx context.Context, h backend.Handle) (bool, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return false, err
	}
	return !inst.exited(), nil
}

// Wait implements backend.Backend.
func (b *Backend) Wait(ctx context.Context, h backend.Handle) (int, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-inst.done:
		return inst.code, nil
	}
}

// Exec implements backend.Backend by replaying the instance's health codes.
func (b *Backend) Exec(ctx context.Context, h backend.Handle, argv []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("exec", h.Service)
	inst, ok := b.instances[h.ID]
	if !ok {
		return 0, errors.Wrapf(backend.ErrNotFound, "%s", h.ID)
	}
	codes := inst.run.Health
	n := inst.execs
	inst.execs++
	if len(codes) == 0 {
		return 0, nil
	}
	return codes[min(n, len(codes)-1)], nil
}

// Exit makes the current instance of service exit with code.
func (b *Backend) Exit(service string, code int) {
	b.mu.Lock()
	inst := b.current[service]
	b.mu.Unlock()
	if inst != nil {
		inst.exit(code)
	}
}

// EnsureNetwork implements backend.Provisioner.
func (b *Backend) EnsureNetwork(ctx context.Context, name string, n spec.Network) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ensure-network", name)
	b.networks[name] = true
	return nil
}

// EnsureVolume implements backend.Provisioner.
func (b *Backend) EnsureVolume(ctx context.Context, name string, v spec.Volume) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ensure-volume", name)
	b.volumes[name] = true
	return nil
}

// RemoveNetwork implements backend.Provisioner.
func (b *Backend) RemoveNetwork(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("remove-network", name)
	if !b.networks[name] {
		return backend.ErrNotFound
	}
	delete(b.networks, name)
	return nil
}

// RemoveVolume implements backend.Provisioner.
func (b *Backend) RemoveVolume(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("remove-volume", name)
	if !b.volumes[name] {
		return backend.ErrNotFound
	}
	delete(b.volumes, name)
	return nil
}

// List implements backend.Lister.
func (b *Backend) List(ctx context.Context, project string) ([]backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Handle
	for _, inst := range b.instances {
		out = append(out, inst.handle)
	}
	slices.SortFunc(out, func(a, b backend.Handle) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Calls returns every recorded operation in order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Ops returns the services (or resource names) of every call with op, in order.
func (b *Backend) Ops(op string) []string {
	var out []string
	for _, c := range b.Calls() {
		if c.Op == op {
			out = append(out, c.Service)
		}
	}
	return out
}

// Launches returns how many times service was started.
func (b *Backend) Launches(service string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches[service]
}

// Networks returns the networks that currently exist.
func (b *Backend) Networks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for n := range b.networks {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Volumes returns the volumes that currently exist.
func (b *Backend) Volumes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for v := range b.volumes {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
