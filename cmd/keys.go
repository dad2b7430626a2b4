package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/cli"
)

var registrationKeyCmd = &cobra.Command{
	Use:     "registration-key",
	Aliases: []string{"key", "keys"},
	Short:   "Manage node registration keys",
}

func newKeyIssueCmd() *cobra.Command {
	var (
		ttlDays int
		maxUses int
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a registration key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			var uses *int
			if cmd.Flags().Changed("max-uses") {
				uses = &maxUses
			}
			key, err := client.IssueRegistrationKey(cmd.Context(), ttlDays, uses)
			if err != nil {
				return err
			}
			// The token is only returned on issue; it is stored hashed.
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key:     %s\n", key.Token)
			fmt.Fprintf(out, "ID:      %s\n", key.ID)
			fmt.Fprintf(out, "Expires: %s\n", key.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
	cmd.Flags().IntVar(&ttlDays, "ttl-days", 30, "days until the key expires")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "maximum registrations; unset means unlimited")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registration keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			keys, err := client.ListRegistrationKeys(cmd.Context())
			if err != nil {
				return err
			}
			cli.RenderRegistrationKeys(cmd.OutOrStdout(), keys)
			return nil
		},
	}
}

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke a registration key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			if err := client.RevokeRegistrationKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked registration key %s\n", args[0])
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(registrationKeyCmd)
	registrationKeyCmd.AddCommand(
		newKeyIssueCmd(),
		newKeyListCmd(),
		newKeyRevokeCmd(),
	)
}
