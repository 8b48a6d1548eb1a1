package cmd

import (
	"fmt"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile        string
	flagResultsDir string
	flagLogLevel   string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "orruns",
		Short:        "Track, repeat and query optimisation experiments",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "orruns.yaml", "config file path")
	root.PersistentFlags().StringVar(&flagResultsDir, "results-dir", "", "override results.dir")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newArtifactsCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newDashboardCmd())
	root.AddCommand(newDemoCmd())
	root.AddCommand(newPublishCmd())
	root.AddCommand(newWorkerCmd())
	return root
}

// loadConfig reads the config file (or defaults) and applies flag overrides.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if flagResultsDir != "" {
		cfg.Results.Dir = flagResultsDir
	}
	if flagLogLevel != "" {
		if err := logging.ValidLevel(flagLogLevel); err != nil {
			return nil, nil, err
		}
		cfg.Log.Level = flagLogLevel
	}
	return cfg, logging.Stderr(cfg.Log.Level, cfg.Log.Format), nil
}

func openAPI() (*api.API, *config.Config, *zap.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	return api.New(cfg.Results.Dir, api.WithLogger(logger)), cfg, logger, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
