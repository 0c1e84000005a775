package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/matgreaves/stackup/explain"
	"github.com/matgreaves/stackup/server/store"
)

func newExplainCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain why the latest run did not settle",
		Long: `Trace every blocked service of the project's latest run back to the
failures that caused it, with each failure's phase history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.explain(cmd.Context(), output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "text or json")
	return cmd
}

func (a *app) explain(ctx context.Context, output string) error {
	g, _, err := a.loadGraph()
	if err != nil {
		return err
	}
	st, err := store.Open(store.Path(a.cfg.StateDir, g.Stack().Name), a.log.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	latest, err := st.Latest(ctx, g.Stack().Name)
	if err != nil {
		return err
	}
	snap, err := st.Snapshot(ctx, latest.ID)
	if err != nil {
		return err
	}
	log, err := st.Transitions(ctx, latest.ID)
	if err != nil {
		return err
	}

	r := explain.Analyze(g, snap, log)
	if output == "json" {
		return explain.JSON(a.stdout, r)
	}
	explain.Pretty(a.stdout, r)
	return nil
}
