package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/depgraph"
	"github.com/redux-build/redux/internal/ruleset"
)

func newDepgraphCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "depgraph [path]",
		Short: "Show the dependency graph, or the build tree for a single target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			e, err := discoverEnv()
			if err != nil {
				return err
			}
			graph, err := depgraph.LoadAll(e)
			if err != nil {
				return err
			}
			rules, err := ruleset.ScanForDoFiles(e)
			if err != nil {
				return err
			}
			if !all {
				graph.DropSuperseded(rules)
				graph.DropOutOfDate()
			}

			if len(args) == 0 {
				fmt.Print(depgraph.DescribeAll(graph))
				return nil
			}

			target, err := resolveTarget(e, args[0])
			if err != nil {
				return err
			}
			job, ok := rules.JobFor(target)
			if !ok {
				return fmt.Errorf("no rule")
			}
			tree, ok, err := graph.ValidTraceFor(job)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no valid traces found")
			}
			fmt.Print(depgraph.Render(tree))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include superseded and out-of-date traces")
	return cmd
}
