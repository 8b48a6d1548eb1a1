package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/signalnine/orruns/internal/report"
	"github.com/spf13/cobra"
)

var (
	flagFormat string
	flagOutput string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <experiment>",
		Short: "Summarise an experiment's runs per parameter set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()

			var w io.Writer = cmd.OutOrStdout()
			if flagOutput != "" {
				f, err := os.Create(flagOutput)
				if err != nil {
					return fmt.Errorf("creating report file: %w", err)
				}
				defer f.Close()
				w = f
			} else if flagFormat == "xlsx" {
				return fmt.Errorf("xlsx output needs --output")
			}
			return report.Generate(a, args[0], flagFormat, w)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json, xlsx)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
