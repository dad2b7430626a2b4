package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/cli"
)

var parametersCmd = &cobra.Command{
	Use:     "parameters",
	Aliases: []string{"params"},
	Short:   "Manage scoped parameter documents",
	Long: `Parameter documents attach values to a configuration per scope slot
(scope type plus optional value). At bundle time the server merges the active
documents in precedence order into the node's bundle.`,
}

// parameterContentType maps the document file extension onto the upload
// content type.
func parameterContentType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "application/json"
	}
	return "application/yaml"
}

func newParametersUploadCmd() *cobra.Command {
	var (
		scopeType  string
		scopeValue string
		version    string
		activate   bool
	)
	cmd := &cobra.Command{
		Use:   "upload CONFIG FILE",
		Short: "Upload a parameter document for one scope slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			info, err := client.UploadParameters(cmd.Context(), args[0], scopeType, scopeValue, version,
				content, parameterContentType(args[1]), activate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded parameters %s for %s/%s (%s)\n", info.Version, scopeType, args[0], info.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeType, "scope-type", "", "scope type of the slot")
	cmd.Flags().StringVar(&scopeValue, "scope-value", "", "scope value; empty for valueless types")
	cmd.Flags().StringVar(&version, "version", "", "document version")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate immediately instead of landing as a draft")
	_ = cmd.MarkFlagRequired("scope-type")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newParametersActivateCmd() *cobra.Command {
	var (
		scopeType  string
		scopeValue string
		version    string
	)
	cmd := &cobra.Command{
		Use:   "activate CONFIG",
		Short: "Activate an uploaded parameter version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.ActivateParameters(cmd.Context(), args[0], scopeType, scopeValue, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activated parameters %s for %s/%s\n", info.Version, scopeType, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeType, "scope-type", "", "scope type of the slot")
	cmd.Flags().StringVar(&scopeValue, "scope-value", "", "scope value; empty for valueless types")
	cmd.Flags().StringVar(&version, "version", "", "document version to activate")
	_ = cmd.MarkFlagRequired("scope-type")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newParametersProvenanceCmd() *cobra.Command {
	var (
		scopeType  string
		scopeValue string
	)
	cmd := &cobra.Command{
		Use:   "provenance CONFIG",
		Short: "Preview the merged parameters with per-value provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			diag, err := client.Provenance(cmd.Context(), args[0], scopeType, scopeValue)
			if err != nil {
				return err
			}
			cli.RenderProvenance(cmd.OutOrStdout(), diag)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeType, "scope-type", "", "scope type of the slot")
	cmd.Flags().StringVar(&scopeValue, "scope-value", "", "scope value; empty for valueless types")
	_ = cmd.MarkFlagRequired("scope-type")
	return cmd
}

func init() {
	rootCmd.AddCommand(parametersCmd)
	parametersCmd.AddCommand(
		newParametersUploadCmd(),
		newParametersActivateCmd(),
		newParametersProvenanceCmd(),
	)
}
