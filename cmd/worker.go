package cmd

import (
	"os"

	"github.com/signalnine/orruns/internal/runner"
	"github.com/spf13/cobra"
)

// newWorkerCmd is the entry point of process and docker isolated runs. The
// run to execute arrives JSON encoded in the environment.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Execute one run (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner.ServeWorker(cmd.Context(), os.Getenv(runner.WorkerEnv), nil)
		},
	}
}
