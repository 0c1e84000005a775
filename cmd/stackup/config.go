package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate the stack file and print it resolved",
		Long: `Load the stack file, interpolate variables, validate the dependency graph
and print the launch order. With -o yaml or -o json the fully resolved stack
is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := a.loadGraph()
			if err != nil {
				return err
			}
			if output != "order" {
				return encode(a.stdout, output, g.Stack())
			}

			s := newStyles(a.stdout)
			fmt.Fprintln(a.stdout, s.header.Render(g.Stack().Name))
			for i, name := range g.Order() {
				var deps []string
				for _, d := range g.Prerequisites(name) {
					deps = append(deps, d.Service+": "+string(d.Condition))
				}
				line := fmt.Sprintf("%3d. %s", i+1, name)
				if len(deps) > 0 {
					line += s.muted.Render("  after " + strings.Join(deps, ", "))
				}
				fmt.Fprintln(a.stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "order", "order, json or yaml")
	return cmd
}
