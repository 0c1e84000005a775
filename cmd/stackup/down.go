package main

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/server/store"
)

func newDownCmd(a *app) *cobra.Command {
	var volumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop a detached stack",
		Long: `Stop every service of the project's latest run, dependents before their
prerequisites, then remove the project's networks. Instances are found in
the run history, or by asking the backend when there is none.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.down(cmd.Context(), volumes)
		},
	}
	cmd.Flags().BoolVarP(&volumes, "volumes", "v", false, "also remove named volumes")
	return cmd
}

func (a *app) down(ctx context.Context, removeVolumes bool) error {
	g, stackFile, err := a.loadGraph()
	if err != nil {
		return err
	}
	project := g.Stack().Name

	b, err := a.newBackend(filepath.Dir(stackFile))
	if err != nil {
		return err
	}

	st, err := store.Open(store.Path(a.cfg.StateDir, project), a.log.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		handles []backend.Handle
		opts    []server.Option
		run     *store.Run
	)
	latest, err := st.Latest(ctx, project)
	switch {
	case err == nil && latest.FinishedAt == nil:
		if run, err = st.Resume(ctx, latest.ID); err != nil {
			return err
		}
		if handles, err = st.Handles(ctx, latest.ID); err != nil {
			return err
		}
		opts = append(opts, server.WithObserver(run))
	case err != nil && !errors.Is(err, store.ErrNoRun):
		return err
	}

	// The history may be missing or stale; the backend knows what exists.
	if l, ok := b.(backend.Lister); ok {
		listed, err := l.List(ctx, project)
		if err != nil {
			return err
		}
		handles = mergeHandles(handles, listed)
	}

	log := a.log.With(zap.String("project", project))
	o, err := server.New(g, b, append(opts, server.WithLogger(log))...)
	if err != nil {
		return err
	}
	o.Adopt(handles)
	log.Info("tearing down", zap.Int("instances", len(handles)))

	var downOpts []server.DownOption
	if removeVolumes {
		downOpts = append(downOpts, server.RemoveVolumes())
	}
	downErr := o.Down(ctx, downOpts...)
	if run != nil {
		if err := run.Finish(context.WithoutCancel(ctx)); err != nil {
			log.Warn("record teardown", zap.Error(err))
		}
	}
	return downErr
}

// mergeHandles adds listed handles for services that have none recorded.
func mergeHandles(recorded, listed []backend.Handle) []backend.Handle {
	seen := make(map[string]bool, len(recorded))
	for _, h := range recorded {
		seen[h.Service] = true
	}
	for _, h := range listed {
		if !seen[h.Service] {
			recorded = append(recorded, h)
			seen[h.Service] = true
		}
	}
	return recorded
}
