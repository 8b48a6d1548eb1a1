package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/runner"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		last    int
		pattern string
		tasks   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded experiments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tasks {
				printf(cmd, "Tasks:\n")
				for _, name := range runner.Registered() {
					printf(cmd, "  - %s\n", name)
				}
				return nil
			}
			a, _, _, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()
			exps, err := a.ListExperiments(api.ListOptions{Last: last, Pattern: pattern})
			if err != nil {
				return err
			}
			if len(exps) == 0 {
				printf(cmd, "No experiments found in %s\n", a.BaseDir())
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXPERIMENT\tRUNS\tMERGED\tLAST UPDATED")
			for _, e := range exps {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", e.Name, e.RunCount, e.MergedCount, e.LastUpdated.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&last, "last", 0, "show only the N most recent experiments")
	cmd.Flags().StringVar(&pattern, "pattern", "", "glob over experiment names, e.g. 'optimization_*'")
	cmd.Flags().BoolVar(&tasks, "tasks", false, "list registered tasks instead")
	return cmd
}
