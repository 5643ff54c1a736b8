package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/config"
	"github.com/modfetch/engine/internal/state"
)

// Version is set via ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "modfetch",
	Short:   "A parallel, resumable chunked HTTP/HTTPS download engine",
	Long:    `modfetch downloads files over HTTP/HTTPS using parallel ranged requests, with pause/resume and host-scoped rate-limit backoff.`,
	Version: Version,
}

// Execute runs the root command and its subcommands.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStateDB opens the shared SQLite state database, exiting the process
// on failure since every subcommand depends on it.
func openStateDB() {
	if err := config.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := state.Open(config.GetStateDBPath()); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate("modfetch version {{.Version}}\n")
}
