package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/ruleset"
)

func newWhichDoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whichdo [path]",
		Short: "Show the rule script which builds a given target (or list all rule scripts)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			e, err := discoverEnv()
			if err != nil {
				return err
			}
			rules, err := ruleset.ScanForDoFiles(e)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				for _, r := range rules.Rules() {
					fmt.Printf("%s: %s\n", r.Dir.Join(r.Name), r.Path(e))
				}
				return nil
			}

			target, err := resolveTarget(e, args[0])
			if err != nil {
				return err
			}
			job, ok := rules.JobFor(target)
			if !ok {
				fmt.Fprintf(os.Stderr, "%s: No rule found\n", args[0])
				os.Exit(1)
			}
			fmt.Printf("%s: %s\n", args[0], job.Rule)
			return nil
		},
	}
}
