package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/report"
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	var merged string
	cmd := &cobra.Command{
		Use:   "show <experiment> [run-id]",
		Short: "Show an experiment's runs, one run in detail, or a merged result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("merged") {
				m, err := a.GetMerged(args[0], merged)
				if err != nil {
					return err
				}
				return writeIndented(out, m)
			}
			if len(args) == 2 {
				run, err := a.GetRun(args[0], args[1])
				if err != nil {
					return err
				}
				return writeIndented(out, run)
			}
			exp, err := a.GetExperiment(args[0])
			if err != nil {
				return err
			}
			printf(cmd, "Experiment: %s (%d runs, %d merged results)\n\n", exp.Name, len(exp.Runs), len(exp.Merged))
			return writeRuns(out, exp.Runs)
		},
	}
	cmd.Flags().StringVar(&merged, "merged", "latest", "show a merged result by id (\"latest\" by default)")
	cmd.Flags().Lookup("merged").NoOptDefVal = "latest"
	return cmd
}

// writeRuns prints one line per run with its params and last metric values.
func writeRuns(w io.Writer, runs []*api.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXPERIMENT\tRUN ID\tSTATUS\tSEED\tDURATION\tPARAMS\tMETRICS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1fs\t%s\t%s\n",
			r.Experiment, r.RunID, r.Status, r.Seed, r.DurationS, report.Label(r.Params), metricsLabel(r.LastMetrics))
	}
	return tw.Flush()
}

func metricsLabel(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4g", k, m[k])
	}
	return strings.Join(parts, ", ")
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
