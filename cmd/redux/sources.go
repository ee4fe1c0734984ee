package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/depgraph"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
)

func newSourcesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List all files in the current tree which have been used as a source",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return listUniquePaths(all, func(g *depgraph.Graph) []filestamp.Stamp { return g.Sources() })
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include files which aren't in the working tree")
	return cmd
}

func newOutputsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "List all files in the current tree which were generated by redux",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return listUniquePaths(all, func(g *depgraph.Graph) []filestamp.Stamp { return g.Outputs() })
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include files which aren't in the working tree")
	return cmd
}

func listUniquePaths(all bool, pick func(*depgraph.Graph) []filestamp.Stamp) error {
	e, err := discoverEnv()
	if err != nil {
		return err
	}
	graph, err := depgraph.LoadAll(e)
	if err != nil {
		return err
	}

	stamps := pick(graph)
	paths := make([]localpath.Path, len(stamps))
	for i, s := range stamps {
		paths[i] = s.Path
	}
	localpath.SortPaths(paths)

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p.String()] {
			continue
		}
		seen[p.String()] = true
		if all || p.Exists() {
			fmt.Println(p)
		}
	}
	return nil
}
