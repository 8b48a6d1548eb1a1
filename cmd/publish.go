package cmd

import (
	"github.com/signalnine/orruns/internal/remote"
	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	var bucket, prefix, region, endpoint string
	cmd := &cobra.Command{
		Use:   "publish <experiment>",
		Short: "Upload an experiment directory to S3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			pc := cfg.Publish
			if cmd.Flags().Changed("bucket") {
				pc.Bucket = bucket
			}
			if cmd.Flags().Changed("prefix") {
				pc.Prefix = prefix
			}
			if cmd.Flags().Changed("region") {
				pc.Region = region
			}
			if cmd.Flags().Changed("endpoint") {
				pc.Endpoint = endpoint
			}
			pub, err := remote.NewS3(cmd.Context(), pc, logger)
			if err != nil {
				return err
			}
			keys, err := pub.Publish(cmd.Context(), cfg.Results.Dir, args[0])
			if err != nil {
				return err
			}
			printf(cmd, "Uploaded %d objects to s3://%s/%s\n", len(keys), pc.Bucket, pub.Key(args[0], ""))
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket (default: publish.bucket)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix (default: publish.prefix)")
	cmd.Flags().StringVar(&region, "region", "", "AWS region (default: publish.region)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "S3 compatible endpoint URL")
	return cmd
}
