package cmd

import (
	"encoding/csv"
	"fmt"

	"github.com/signalnine/orruns/internal/result"
	"github.com/spf13/cobra"
)

func newArtifactsCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "artifacts <experiment> <run-id> [path]",
		Short: "List a run's artifacts or print one",
		Long: "Without a path, list artifacts by kind. With a path such as data/history.csv (or a bare\n" +
			"name plus --kind), print the artifact: CSV and JSON are decoded, figures print their location.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := openAPI()
			if err != nil {
				return err
			}
			defer a.Close()
			exp, runID := args[0], args[1]

			if len(args) == 2 {
				idx, err := a.GetArtifacts(exp, runID)
				if err != nil {
					return err
				}
				for _, group := range []struct {
					kind  result.ArtifactKind
					names []string
				}{{result.KindFigure, idx.Figures}, {result.KindData, idx.Data}, {result.KindOther, idx.Others}} {
					printf(cmd, "%s:\n", group.kind.Dir())
					for _, n := range group.names {
						printf(cmd, "  %s/%s\n", group.kind.Dir(), n)
					}
				}
				return nil
			}

			var k result.ArtifactKind
			if kind != "" {
				var ok bool
				if k, ok = result.ParseArtifactKind(kind); !ok {
					return fmt.Errorf("unknown artifact kind %q", kind)
				}
			}
			v, err := a.LoadArtifact(exp, runID, args[2], k)
			if err != nil {
				return err
			}
			switch x := v.(type) {
			case []byte:
				path, err := a.GetArtifactPath(exp, runID, args[2], k)
				if err != nil {
					return err
				}
				printf(cmd, "%s (%d bytes)\n", path, len(x))
			case [][]string:
				w := csv.NewWriter(cmd.OutOrStdout())
				if err := w.WriteAll(x); err != nil {
					return err
				}
			case string:
				printf(cmd, "%s\n", x)
			default:
				return writeIndented(cmd.OutOrStdout(), x)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "artifact kind when path has no kind prefix (figures, data, others)")
	return cmd
}
