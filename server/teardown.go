package server

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/spec"
)

type downOptions struct {
	removeVolumes bool
}

// DownOption configures Down.
type DownOption func(*downOptions)

// RemoveVolumes also removes the project's named volumes.
func RemoveVolumes() DownOption { return func(o *downOptions) { o.removeVolumes = true } }

// Down stops supervision and tears every launched service down, dependents
// before their prerequisites. Services in the same level are stopped
// concurrently. Down waits for every supervisor and probe to exit.
func (o *Orchestrator) Down(ctx context.Context, opts ...DownOption) error {
	var do downOptions
	for _, opt := range opts {
		opt(&do)
	}

	o.mu.Lock()
	o.shutdown = true
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	defer o.pool.Release()

	for _, svc := range o.graph.Services() {
		o.state.Update(svc.Name, func(s *ServiceState) { s.ManuallyStopped = true })
	}

	handles := o.Handles()
	var errs error
	for i, level := range o.graph.TeardownLevels() {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			h, ok := handles[name]
			if !ok {
				continue
			}
			g.Go(func() error {
				o.log.Info("stopping", zap.String("service", name), zap.Int("level", i))
				if err := o.backend.Stop(gctx, h); err != nil && !errors.Is(err, backend.ErrNotFound) {
					return errors.Wrapf(err, "stop %s", name)
				}
				o.state.Update(name, func(s *ServiceState) {
					s.Phase = spec.PhaseStopped
					s.Reason = "torn down"
					s.Restarting = false
				})
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	o.mu.Lock()
	o.handles = make(map[string]backend.Handle)
	o.mu.Unlock()

	if err := o.unprovision(ctx, do.removeVolumes); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// usedNetworks returns the stack-local keys of every network a service joins.
func (o *Orchestrator) usedNetworks() []string {
	var keys []string
	for _, svc := range o.graph.Services() {
		nets := svc.Networks
		if len(nets) == 0 {
			nets = []string{spec.DefaultNetwork}
		}
		for _, k := range nets {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// usedVolumes returns the stack-local keys of every named volume mounted.
func (o *Orchestrator) usedVolumes() []string {
	var keys []string
	for _, svc := range o.graph.Services() {
		for _, m := range svc.Volumes {
			if m.Bind || m.Source == "" || slices.Contains(keys, m.Source) {
				continue
			}
			keys = append(keys, m.Source)
		}
	}
	return keys
}

// provision creates the project's networks and volumes when the backend
// manages them. External resources must already exist and are left alone.
func (o *Orchestrator) provision(ctx context.Context) error {
	p, ok := o.backend.(backend.Provisioner)
	if !ok {
		return nil
	}
	stack := o.graph.Stack()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range o.usedNetworks() {
		n := stack.Networks[key]
		if n.External {
			continue
		}
		name := stack.NetworkName(key)
		g.Go(func() error {
			return errors.Wrapf(p.EnsureNetwork(gctx, name, n), "network %s", name)
		})
	}
	for _, key := range o.usedVolumes() {
		v := stack.Volumes[key]
		if v.External {
			continue
		}
		name := stack.VolumeName(key)
		g.Go(func() error {
			return errors.Wrapf(p.EnsureVolume(gctx, name, v), "volume %s", name)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Mark(errors.Wrap(err, "provision"), ErrLaunch)
	}
	return nil
}

func (o *Orchestrator) unprovision(ctx context.Context, volumes bool) error {
	p, ok := o.backend.(backend.Provisioner)
	if !ok {
		return nil
	}
	stack := o.graph.Stack()

	var errs error
	for _, key := range o.usedNetworks() {
		if stack.Networks[key].External {
			continue
		}
		name := stack.NetworkName(key)
		if err := p.RemoveNetwork(ctx, name); err != nil && !errors.Is(err, backend.ErrNotFound) {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "remove network %s", name))
		}
	}
	if !volumes {
		return errs
	}
	for _, key := range o.usedVolumes() {
		if stack.Volumes[key].External {
			continue
		}
		name := stack.VolumeName(key)
		if err := p.RemoveVolume(ctx, name); err != nil && !errors.Is(err, backend.ErrNotFound) {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "remove volume %s", name))
		}
	}
	return errs
}
