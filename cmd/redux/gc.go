package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newGCCmd is the reserved "--gc" command: removing unreferenced
// artifacts from the store is out of scope for now, so this reports a
// diagnostic and exits non-zero instead of being silently absent or
// panicking.
func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "gc",
		Short:  "Remove items from the database which are no longer useful (not implemented)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stderr, "gc: not implemented")
			os.Exit(1)
			return nil
		},
	}
}
