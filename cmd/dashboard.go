package cmd

import (
	"fmt"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/dashboard"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDashboardCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the experiment dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, logger, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("port") {
				cfg.Dashboard.Port = port
			}
			return serveDashboard(cmd, a, cfg, logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", dashboard.DefaultPort, "listen port")
	return cmd
}

func serveDashboard(cmd *cobra.Command, a *api.API, cfg *config.Config, logger *zap.Logger) error {
	srv := dashboard.New(a, dashboard.WithLogger(logger), dashboard.WithPollInterval(cfg.Dashboard.PollInterval))
	printf(cmd, "Serving %s at http://localhost:%d (Ctrl+C to stop)\n", a.BaseDir(), cfg.Dashboard.Port)
	return srv.Run(cmd.Context(), fmt.Sprintf(":%d", cfg.Dashboard.Port))
}
