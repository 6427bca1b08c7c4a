// Command dispatchd runs the platform's background job workers.
//
// Subcommands:
//
//	worker    worker pool, cron scheduler and admin API
//	migrate   apply pending store migrations and exit
//	enqueue   validate and enqueue one job
//	kinds     print the registered kinds and their policy
package main

import (
	"log/slog"
	"os"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Typed background job dispatch",
		// main logs errors with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		kindsCmd(),
	)
	return root
}
