package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	configureLogging()

	root := &cobra.Command{
		Use:     "redux",
		Short:   "A content-addressed, recursive build tool",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newBuildCmd())
	root.AddCommand(newWhichDoCmd())
	root.AddCommand(newHowDidCmd())
	root.AddCommand(newDepgraphCmd())
	root.AddCommand(newSourcesCmd())
	root.AddCommand(newOutputsCmd())
	root.AddCommand(newCleanCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newGCCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func configureLogging() {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("REDUX_LOG")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}
