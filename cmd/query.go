package cmd

import (
	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/query"
	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	var (
		experiment string
		params     []string
		metrics    []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find runs by parameter and metric filters",
		Long: "Filters take the form field__op=value with op one of eq, ne, gt, gte, lt, lte, in, contains.\n" +
			"A bare field means eq; in takes a comma separated list. Metric filters test the last logged value.\n\n" +
			"  orruns query --experiment ga_study --param population_size__gt=30 --metric fitness__lt=0.5",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := api.Query{Experiment: experiment}
			var err error
			if q.ParamFilters, err = query.ParseExprs(params); err != nil {
				return err
			}
			if q.MetricFilters, err = query.ParseExprs(metrics); err != nil {
				return err
			}
			a, _, _, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.QueryExperiments(q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd.OutOrStdout(), runs)
			}
			printf(cmd, "%d matching runs\n\n", len(runs))
			if len(runs) == 0 {
				return nil
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment name or glob (default: all)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "parameter filter field__op=value (repeatable)")
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "metric filter field__op=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print matching runs as JSON")
	return cmd
}
