package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/depgraph"
	"github.com/redux-build/redux/internal/filestamp"
)

func newHowDidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "howdid <path>",
		Short: "Show the build tree which resulted in the given file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			e, err := discoverEnv()
			if err != nil {
				return err
			}
			target, err := resolveTarget(e, args[0])
			if err != nil {
				return err
			}
			stamp, err := filestamp.Take(target)
			if err != nil {
				return err
			}

			graph, err := depgraph.LoadAll(e)
			if err != nil {
				return err
			}
			tree, ok := graph.SomeTreeFor(stamp)
			if !ok {
				fmt.Printf("%s: No build tree found\n", args[0])
				return nil
			}
			fmt.Print(depgraph.Render(tree))
			return nil
		},
	}
}
