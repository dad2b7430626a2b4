package cmd

import (
	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/cli"
)

// Valid retention targets.
var retentionTargets = map[string]bool{
	"configurations": true,
	"parameters":     true,
}

func newRetentionCmd() *cobra.Command {
	var (
		keepVersions int
		keepDays     int
		dryRun       bool
	)
	cmd := &cobra.Command{
		Use:   "retention TARGET",
		Short: "Delete old archived versions",
		Long: `Runs a retention sweep over archived versions of the given target
(configurations or parameters). Only archived versions are candidates;
published versions and versions still assigned to nodes are never touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if !retentionTargets[target] {
				return api.NewFieldValidationError("target", "unknown target %q, expected configurations or parameters", target)
			}
			client, err := operatorClient()
			if err != nil {
				return err
			}
			req := api.RetentionRequest{
				KeepVersions: keepVersions,
				KeepDays:     keepDays,
				DryRun:       dryRun,
			}
			var report *api.RetentionReport
			err = cli.WithSpinner("Running retention sweep", func() error {
				report, err = client.RunRetention(cmd.Context(), req, target)
				return err
			})
			if err != nil {
				return err
			}
			cli.RenderRetentionReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepVersions, "keep-versions", 0, "keep at least this many archived versions per configuration")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep archived versions newer than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without deleting")
	return cmd
}

func init() {
	rootCmd.AddCommand(newRetentionCmd())
}
