package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/cli"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the pull server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			err = cli.WithSpinner("Contacting server", func() error {
				return client.Health(cmd.Context())
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Server is healthy")
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newCheckCmd())
}
