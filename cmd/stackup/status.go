package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/server/store"
)

type statusView struct {
	Run      store.RunInfo         `json:"run" yaml:"run"`
	Services []server.ServiceState `json:"services" yaml:"services"`
	Events   []server.Transition   `json:"events,omitempty" yaml:"events,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		output string
		events bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the project's latest run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status(cmd.Context(), output, events)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")
	cmd.Flags().BoolVar(&events, "events", false, "include the transition log")
	return cmd
}

func (a *app) status(ctx context.Context, output string, events bool) error {
	g, _, err := a.loadGraph()
	if err != nil {
		return err
	}
	project := g.Stack().Name

	st, err := store.Open(store.Path(a.cfg.StateDir, project), a.log.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	latest, err := st.Latest(ctx, project)
	if err != nil {
		return err
	}
	snap, err := st.Snapshot(ctx, latest.ID)
	if err != nil {
		return err
	}
	view := statusView{Run: latest, Services: snap.Services}
	if events {
		if view.Events, err = st.Transitions(ctx, latest.ID); err != nil {
			return err
		}
	}

	if output != "table" {
		return encode(a.stdout, output, view)
	}

	s := newStyles(a.stdout)
	state := "running"
	switch {
	case latest.FinishedAt != nil:
		state = "torn down " + latest.FinishedAt.Local().Format(time.DateTime)
	case latest.SettledAt == nil:
		state = "starting"
	}
	fmt.Fprintf(a.stdout, "%s %s\n", s.header.Render(project), s.muted.Render(
		fmt.Sprintf("run %s · %s · started %s · %s",
			latest.ID[:8], latest.Backend, latest.StartedAt.Local().Format(time.DateTime), state)))
	printSnapshot(a.stdout, snap)

	if events {
		fmt.Fprintln(a.stdout)
		for _, t := range view.Events {
			line := fmt.Sprintf("%4d  %s  %-12s %s → %s", t.Seq, t.At.Local().Format("15:04:05.000"), t.Service, t.From, t.To)
			if t.Reason != "" {
				line += "  (" + t.Reason + ")"
			}
			fmt.Fprintln(a.stdout, line)
		}
	}
	return nil
}
