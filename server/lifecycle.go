package server

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/server/ready"
	"github.com/matgreaves/stackup/spec"
)

type exitResult struct {
	code int
	err  error
}

// supervise owns one service from launch until it settles for good or ctx
// is cancelled. It starts the instance, runs the readiness probe, waits for
// the process to exit and routes the exit through the restart policy.
//
// On cancellation it returns without touching RunState: whoever cancelled
// it (teardown, startup timeout, a restarting prerequisite) records the
// outcome.
func (o *Orchestrator) supervise(ctx context.Context, name string) {
	svc, _ := o.graph.Service(name)
	stack := o.graph.Stack()
	resolved := stack.Resolved(svc)
	oneShot := o.graph.IsOneShot(name)
	log := o.log.With(zap.String("service", name))

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := o.opts.backoff.Next(attempt)
			log.Info("restarting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		h, err := o.start(ctx, stack.Name, resolved)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = launchError(name, err)
			log.Error("launch failed", zap.Error(err))
			o.state.Update(name, func(s *ServiceState) {
				s.Phase = spec.PhaseFailed
				s.Reason = err.Error()
			})
			return
		}
		o.setHandle(name, h)
		o.opts.metrics.launched(name)
		o.state.Update(name, func(s *ServiceState) {
			s.Phase = spec.PhaseRunning
			s.Started = true
			s.Handle = h.ID
			s.Reason = ""
			s.ProbeAttempts = 0
			s.LastProbe = ready.Result{}
		})
		log.Info("running", zap.String("handle", h.ID))

		res, settled := o.watch(ctx, name, svc, oneShot, h, log)
		if settled {
			return
		}
		if res.err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("lost track of instance", zap.Error(res.err))
			o.state.Update(name, func(s *ServiceState) {
				s.Phase = spec.PhaseFailed
				s.Reason = errors.Wrap(res.err, "wait").Error()
			})
			return
		}

		if !o.exited(ctx, name, svc, oneShot, res.code, log) {
			return
		}
	}
}

// watch runs the probe (if any) and waits for the instance to exit. settled
// is true when ctx was cancelled. A failed probe does not end the watch: the
// instance keeps running until it exits or is torn down, and its exit still
// goes through the restart policy.
func (o *Orchestrator) watch(ctx context.Context, name string, svc spec.Service, oneShot bool, h backend.Handle, log *zap.Logger) (exitResult, bool) {
	exitCh := make(chan exitResult, 1)
	go func() {
		code, err := o.backend.Wait(ctx, h)
		exitCh <- exitResult{code, err}
	}()

	var probeCh chan error
	switch {
	case oneShot:
		// One-shot tasks are judged by their exit code alone.
	case svc.HealthCheck == nil:
		o.state.SetPhase(name, spec.PhaseHealthy, "")
		log.Info("healthy (no health check)")
	default:
		pctx, pcancel := context.WithCancel(ctx)
		probeCh = make(chan error, 1)
		probeDone := make(chan struct{})
		go func() {
			defer close(probeDone)
			probeCh <- o.probe(pctx, name, h, *svc.HealthCheck)
		}()
		defer func() {
			pcancel()
			<-probeDone
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return exitResult{}, true

		case err := <-probeCh:
			probeCh = nil
			if err == nil {
				o.state.SetPhase(name, spec.PhaseHealthy, "")
				log.Info("healthy")
				continue
			}
			if ctx.Err() != nil {
				return exitResult{}, true
			}
			err = errors.Mark(err, ErrProbe)
			log.Error("health check failed", zap.Error(err))
			o.state.Update(name, func(s *ServiceState) {
				s.Phase = spec.PhaseFailed
				s.Reason = err.Error()
			})

		case res := <-exitCh:
			return res, false
		}
	}
}

// exited records an instance exit and decides whether to restart. It
// returns true when the supervisor should launch a new instance.
func (o *Orchestrator) exited(ctx context.Context, name string, svc spec.Service, oneShot bool, code int, log *zap.Logger) bool {
	st, _ := o.state.Get(name)
	d := OnExit(svc.Restart, code, st.ManuallyStopped, oneShot, st.Restarts)
	log.Info("exited", zap.Int("code", code), zap.Bool("restart", d.Restart), zap.String("reason", d.Reason))

	if d.Restart {
		o.state.Update(name, func(s *ServiceState) {
			s.Phase = spec.PhaseExited
			s.ExitCode = &code
			s.Restarting = true
			s.Reason = d.Reason
		})
		o.requeueDependents(ctx, name)
		o.state.Update(name, func(s *ServiceState) {
			s.Phase = spec.PhaseLaunching
			s.Restarts++
			s.Restarting = false
			s.ManuallyStopped = false
		})
		o.opts.metrics.restarted(name)
		return true
	}

	var reason string
	phase := spec.PhaseExited
	switch {
	case oneShot && code == 0:
		reason = "completed"
	case oneShot:
		phase = spec.PhaseFailed
		reason = errors.Mark(errors.Newf("exited with code %d", code), ErrUnexpectedExit).Error()
	case code != 0:
		reason = errors.Mark(errors.Newf("exited with code %d", code), ErrUnexpectedExit).Error()
	default:
		reason = d.Reason
	}
	o.state.Update(name, func(s *ServiceState) {
		s.Phase = phase
		s.ExitCode = &code
		s.Restarting = false
		s.Reason = reason
	})
	return false
}

// requeueDependents stops every active dependent whose edge to name asks
// for a restart and returns it to pending. The main loop relaunches it once
// name satisfies the edge again.
func (o *Orchestrator) requeueDependents(ctx context.Context, name string) {
	for _, dep := range o.graph.Dependents(name) {
		wants := false
		for _, e := range o.graph.Prerequisites(dep) {
			if e.Service == name && e.Restart {
				wants = true
			}
		}
		st, _ := o.state.Get(dep)
		if !wants || !(st.Phase.Active() || st.Restarting) {
			continue
		}

		o.log.Info("restarting dependent", zap.String("service", dep), zap.String("prerequisite", name))
		o.halt(dep)
		o.mu.Lock()
		h, ok := o.handles[dep]
		delete(o.handles, dep)
		o.mu.Unlock()
		if ok {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if err := o.backend.Stop(sctx, h); err != nil {
				o.log.Warn("stop dependent", zap.String("service", dep), zap.Error(err))
			}
			cancel()
		}
		o.state.Update(dep, func(s *ServiceState) {
			s.Phase = spec.PhasePending
			s.Restarting = false
			s.Reason = fmt.Sprintf("prerequisite %s restarted", name)
		})
	}
}

// start calls the backend through the bounded launch pool.
func (o *Orchestrator) start(ctx context.Context, project string, svc spec.Service) (backend.Handle, error) {
	type result struct {
		h   backend.Handle
		err error
	}
	ch := make(chan result, 1)
	err := o.pool.Submit(func() {
		h, err := o.backend.Start(ctx, project, svc)
		ch <- result{h, err}
	})
	if err != nil {
		return backend.Handle{}, err
	}
	r := <-ch
	return r.h, r.err
}

// probe runs the readiness probe for a running instance, reporting every
// attempt into RunState.
func (o *Orchestrator) probe(ctx context.Context, name string, h backend.Handle, hc spec.HealthCheck) error {
	exec := func(ctx context.Context, argv []string) (int, error) {
		return o.backend.Exec(ctx, h, argv)
	}
	checker := ready.ForHealthCheck(hc, exec)
	return ready.Probe(ctx, checker, ready.PolicyFor(hc), func(a ready.Attempt) {
		o.opts.metrics.probed(name, a.Result.Status)
		o.state.Update(name, func(s *ServiceState) {
			s.ProbeAttempts = a.N
			s.LastProbe = a.Result
		})
		if !a.Result.OK() {
			o.log.Debug("health check attempt failed",
				zap.String("service", name),
				zap.Int("attempt", a.N),
				zap.Bool("counted", a.Counted),
				zap.String("reason", a.Result.Reason),
			)
		}
	})
}
