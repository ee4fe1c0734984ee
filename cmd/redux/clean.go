package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/artifacts"
	"github.com/redux-build/redux/internal/depgraph"
	"github.com/redux-build/redux/internal/filestamp"
)

func newCleanCmd() *cobra.Command {
	var database bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove all files which were generated by redux",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return runClean(database)
		},
	}
	cmd.Flags().BoolVar(&database, "database", false, "Remove redux's build database as well")
	return cmd
}

func runClean(database bool) error {
	e, err := discoverEnv()
	if err != nil {
		return err
	}
	graph, err := depgraph.LoadAll(e)
	if err != nil {
		return err
	}
	store, err := artifacts.New(e)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, o := range graph.Outputs() {
		if seen[o.Path.String()] {
			continue
		}
		seen[o.Path.String()] = true

		if !o.Path.Exists() {
			continue
		}
		stamp, err := filestamp.Take(o.Path)
		if err != nil {
			continue
		}
		if err := store.Insert(stamp); err != nil {
			return err
		}
		if err := os.Remove(o.Path.Abs()); err != nil {
			return err
		}
		fmt.Printf("%s: Removed (available at %s)\n", o.Path, store.StorePath(stamp.Hash))
	}

	if database {
		if err := os.RemoveAll(e.TracesDir); err != nil {
			return err
		}
	}
	return nil
}
