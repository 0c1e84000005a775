package server

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/spec"
)

// Defaults for orchestrator options.
const (
	DefaultPollInterval = time.Second
	DefaultMaxParallel  = 8
	DefaultStallTimeout = 30 * time.Second
)

type options struct {
	log            *zap.Logger
	metrics        *Metrics
	observers      []Observer
	startupTimeout time.Duration
	pollInterval   time.Duration
	maxParallel    int
	backoff        Backoff
	stallTimeout   time.Duration
	detach         bool
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics records activity to m.
func WithMetrics(m *Metrics) Option { return func(o *options) { o.metrics = m } }

// WithObserver registers an observer of every phase transition.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithStartupTimeout bounds how long Up waits for the stack to settle.
// Zero means no limit.
func WithStartupTimeout(d time.Duration) Option { return func(o *options) { o.startupTimeout = d } }

// WithPollInterval sets the longest the main loop sleeps without a state change.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithMaxParallel bounds concurrent backend Start calls. Zero or less
// removes the bound.
func WithMaxParallel(n int) Option { return func(o *options) { o.maxParallel = n } }

// WithBackoff sets the delay between restarts.
func WithBackoff(b Backoff) Option { return func(o *options) { o.backoff = b } }

// WithStallTimeout sets how long Up may go without a transition before
// the watchdog logs a diagnostic snapshot. Zero disables the watchdog.
func WithStallTimeout(d time.Duration) Option { return func(o *options) { o.stallTimeout = d } }

// WithDetach hands restart supervision to the backend once Up settles, for
// backends that implement backend.Detacher.
func WithDetach(detach bool) Option { return func(o *options) { o.detach = detach } }

// supervisor tracks the goroutine that owns one launched service.
type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator launches the services of a Graph in dependency order through
// a launch backend and keeps them supervised until Down.
type Orchestrator struct {
	graph   *Graph
	backend backend.Backend
	state   *RunState
	opts    options
	log     *zap.Logger
	pool    *ants.Pool

	mu       sync.Mutex
	handles  map[string]backend.Handle
	sups     map[string]*supervisor
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// New creates an orchestrator for g. Nothing is launched until Up.
func New(g *Graph, b backend.Backend, opts ...Option) (*Orchestrator, error) {
	if b == nil {
		return nil, ErrBackendRequired
	}
	o := options{
		log:          zap.NewNop(),
		pollInterval: DefaultPollInterval,
		maxParallel:  DefaultMaxParallel,
		backoff:      DefaultBackoff,
		stallTimeout: DefaultStallTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log.With(zap.String("project", g.Stack().Name))
	pool, err := ants.NewPool(o.maxParallel, ants.WithPanicHandler(func(p any) {
		log.Error("launch panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create launch pool")
	}

	observers := o.observers
	if o.metrics != nil {
		observers = append(observers, o.metrics)
	}

	return &Orchestrator{
		graph:   g,
		backend: b,
		state:   NewRunState(g.Services(), observers...),
		opts:    o,
		log:     log,
		pool:    pool,
		handles: make(map[string]backend.Handle),
		sups:    make(map[string]*supervisor),
	}, nil
}

// State exposes the live RunState for subscribers.
func (o *Orchestrator) State() *RunState { return o.state }

// Graph returns the graph being orchestrated.
func (o *Orchestrator) Graph() *Graph { return o.graph }

// Status returns a snapshot of every service in declaration order.
func (o *Orchestrator) Status() Snapshot { return o.state.Snapshot() }

// Handles returns the backend handles of launched services.
func (o *Orchestrator) Handles() map[string]backend.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]backend.Handle, len(o.handles))
	for k, v := range o.handles {
		out[k] = v
	}
	return out
}

// Up provisions shared resources and launches every service as soon as its
// prerequisites allow, returning once every service is steady (healthy,
// exited, failed or blocked) or the startup timeout expires. Supervisors
// keep enforcing restart policies after Up returns, until Down or ctx ends.
//
// The returned error is non-nil only when Up could not run at all
// (provisioning failed, ctx cancelled). Per-service failures are in the Report.
func (o *Orchestrator) Up(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return Report{}, ErrAlreadyStarted
	}
	o.started = true
	o.runCtx, o.cancel = context.WithCancel(ctx)
	runCtx := o.runCtx
	o.mu.Unlock()

	start := time.Now()
	o.log.Info("starting stack", zap.Int("services", len(o.graph.Services())))

	if err := o.provision(ctx); err != nil {
		return o.report(), err
	}

	upCtx, upDone := context.WithCancel(runCtx)
	defer upDone()
	if o.opts.stallTimeout > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			progressWatchdog(upCtx, o.state, o.graph, o.log, o.opts.stallTimeout)
		}()
	}

	var deadline time.Time
	if o.opts.startupTimeout > 0 {
		deadline = start.Add(o.opts.startupTimeout)
	}

	for {
		seq, steady := o.reconcile(runCtx)
		if steady {
			break
		}

		wait := o.opts.pollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				o.timeoutStartup()
				deadline = time.Time{}
				continue
			}
			if wait <= 0 || left < wait {
				wait = left
			}
		}
		if _, err := o.state.WaitChange(runCtx, seq, wait); err != nil {
			return o.report(), err
		}
	}

	rep := o.report()
	o.log.Info("stack settled",
		zap.Bool("ok", rep.OK),
		zap.Duration("elapsed", time.Since(start)),
	)

	if o.opts.detach {
		o.detach(ctx)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reconcileLoop(runCtx)
	}()
	return rep, nil
}

// reconcile runs one pass of the main loop: services whose prerequisites
// can never be met are blocked, ready services are launched. It returns
// the RunState sequence the pass was based on and whether every service is
// steady.
func (o *Orchestrator) reconcile(ctx context.Context) (uint64, bool) {
	for {
		snap := o.state.Snapshot()

		blocked := false
		for name, reason := range o.graph.Unreachable(snap) {
			o.log.Warn("service blocked", zap.String("service", name), zap.String("reason", reason))
			o.state.SetPhase(name, spec.PhaseBlocked, reason)
			blocked = true
		}
		if blocked {
			continue
		}

		launched := false
		for name := range o.graph.ReadyToLaunch(snap) {
			if !o.launch(ctx, name) {
				return snap.Seq, false
			}
			launched = true
		}
		if launched {
			return o.state.Seq(), false
		}

		for _, st := range snap.Services {
			if !st.Steady() {
				return snap.Seq, false
			}
		}
		return snap.Seq, true
	}
}

// reconcileLoop keeps relaunching services re-queued by restarting
// prerequisites after Up has returned.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	for {
		seq, _ := o.reconcile(ctx)
		if _, err := o.state.WaitChange(ctx, seq, 0); err != nil {
			return
		}
	}
}

// launch marks name launching and hands it to a new supervisor goroutine.
// It returns false once shutdown has begun.
func (o *Orchestrator) launch(ctx context.Context, name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown || ctx.Err() != nil {
		return false
	}

	o.state.Update(name, func(s *ServiceState) {
		s.Phase = spec.PhaseLaunching
		s.Reason = ""
		s.Restarting = false
	})

	sctx, cancel := context.WithCancel(ctx)
	sup := &supervisor{cancel: cancel, done: make(chan struct{})}
	o.sups[name] = sup
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(sup.done)
		o.supervise(sctx, name)
	}()
	return true
}

// halt cancels the supervisor of name and waits for it to return.
func (o *Orchestrator) halt(name string) {
	o.mu.Lock()
	sup := o.sups[name]
	delete(o.sups, name)
	o.mu.Unlock()
	if sup == nil {
		return
	}
	sup.cancel()
	<-sup.done
}

// timeoutStartup fails everything that has not settled when the startup
// deadline passes.
func (o *Orchestrator) timeoutStartup() {
	reason := ErrStartupTimeout.Error()
	o.log.Error("startup timeout exceeded", zap.Duration("timeout", o.opts.startupTimeout))
	for _, st := range o.state.Snapshot().Services {
		if st.Steady() {
			continue
		}
		if st.Phase == spec.PhasePending {
			o.state.SetPhase(st.Name, spec.PhaseBlocked, reason)
			continue
		}
		o.halt(st.Name)
		o.state.Update(st.Name, func(s *ServiceState) {
			s.Phase = spec.PhaseFailed
			s.Reason = reason
			s.Restarting = false
		})
	}
}

// Stop stops one service at the operator's request. Its restart policy
// sees the exit as a manual stop.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	if _, ok := o.graph.Service(name); !ok {
		return errors.Wrapf(ErrUnknownService, "%q", name)
	}
	o.mu.Lock()
	h, ok := o.handles[name]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	o.state.Update(name, func(s *ServiceState) { s.ManuallyStopped = true })
	o.log.Info("stopping service", zap.String("service", name))
	return errors.Wrapf(o.backend.Stop(ctx, h), "stop %s", name)
}

// Adopt registers instances launched by an earlier invocation so Down can
// tear them down.
func (o *Orchestrator) Adopt(handles []backend.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range handles {
		if _, ok := o.graph.Service(h.Service); !ok {
			continue
		}
		o.handles[h.Service] = h
		o.state.Update(h.Service, func(s *ServiceState) {
			s.Phase = spec.PhaseRunning
			s.Started = true
			s.Handle = h.ID
		})
	}
}

func (o *Orchestrator) setHandle(name string, h backend.Handle) {
	o.mu.Lock()
	o.handles[name] = h
	o.mu.Unlock()
}

func (o *Orchestrator) detach(ctx context.Context) {
	d, ok := o.backend.(backend.Detacher)
	if !ok {
		o.log.Warn("backend cannot detach; services stop with this process")
		return
	}
	for name, h := range o.Handles() {
		svc, _ := o.graph.Service(name)
		if err := d.Detach(ctx, h, svc.Restart); err != nil {
			o.log.Warn("detach failed", zap.String("service", name), zap.Error(err))
		}
	}
}
