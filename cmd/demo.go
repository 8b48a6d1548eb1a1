package cmd

import (
	"strings"

	"github.com/signalnine/orruns/internal/dashboard"
	"github.com/signalnine/orruns/internal/demo"
	"github.com/spf13/cobra"
)

func newDemoCmd() *cobra.Command {
	var (
		serve bool
		port  int
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Record the demo experiments (aim, sam, optimization_demo)",
		Long: "Replace the demo experiments in the results dir:\n" +
			"  aim                single run, no parameters\n" +
			"  sam                s=3 and s=5, five runs each\n" +
			"  optimization_demo  one training run per learning rate (0.001, 0.01, 0.1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, logger, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := demo.Populate(cmd.Context(), a.BaseDir(), logger); err != nil {
				return err
			}
			printf(cmd, "Recorded %s in %s\n", strings.Join(demo.Experiments, ", "), a.BaseDir())
			if !serve {
				return nil
			}
			if cmd.Flags().Changed("port") {
				cfg.Dashboard.Port = port
			}
			return serveDashboard(cmd, a, cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "start the dashboard afterwards")
	cmd.Flags().IntVar(&port, "port", dashboard.DefaultPort, "dashboard port with --serve")
	return cmd
}
