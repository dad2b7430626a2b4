package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/cli"
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	Aliases: []string{"nodes"},
	Short:   "Manage registered nodes",
}

func newNodeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			nodes, err := client.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			cli.RenderNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
}

func newNodeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			node, err := client.GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cli.RenderNodes(cmd.OutOrStdout(), []api.NodeInfo{*node})
			return nil
		},
	}
}

func newNodeTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag ID TYPE VALUE",
		Short: "Tag a node with a scope value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			if err := client.TagNode(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tagged node %s with %s=%s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func newNodeAssignCmd() *cobra.Command {
	var (
		configuration string
		composite     string
		pin           string
		serverParams  bool
	)
	cmd := &cobra.Command{
		Use:   "assign ID",
		Short: "Assign a configuration or composite to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (configuration == "") == (composite == "") {
				return api.NewValidationError("exactly one of --configuration and --composite is required")
			}
			client, err := operatorClient()
			if err != nil {
				return err
			}
			assignment := api.NodeConfigurationInfo{
				Configuration:              configuration,
				Composite:                  composite,
				PinnedVersion:              pin,
				UseServerManagedParameters: serverParams,
			}
			if err := client.AssignNode(cmd.Context(), args[0], assignment); err != nil {
				return err
			}
			target := configuration
			if composite != "" {
				target = "composite " + composite
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to node %s\n", target, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&configuration, "configuration", "", "configuration to assign")
	cmd.Flags().StringVar(&composite, "composite", "", "composite configuration to assign")
	cmd.Flags().StringVar(&pin, "pin", "", "pin a specific version; empty follows the latest published")
	cmd.Flags().BoolVar(&serverParams, "server-params", false, "merge server-managed parameters into the bundle")
	return cmd
}

func newNodeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Remove a node and revoke its certificate binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			if err := client.DeleteNode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted node %s\n", args[0])
			return nil
		},
	}
}

func newNodeReportsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reports ID",
		Short: "Show a node's compliance reports, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			reports, err := client.NodeReports(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			cli.RenderReports(cmd.OutOrStdout(), reports)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports")
	return cmd
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(
		newNodeListCmd(),
		newNodeShowCmd(),
		newNodeTagCmd(),
		newNodeAssignCmd(),
		newNodeDeleteCmd(),
		newNodeReportsCmd(),
	)
}
