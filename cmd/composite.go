package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/cli"
)

var compositeCmd = &cobra.Command{
	Use:   "composite",
	Short: "Manage composite configurations",
	Long: `Composite configurations reference other configurations as ordered
children. Nodes assigned a composite receive one bundle with every child's
files merged in order.`,
}

// parseCompositeItems turns NAME or NAME@VERSION strings into ordered items.
func parseCompositeItems(specs []string) []api.CompositeItemInfo {
	items := make([]api.CompositeItemInfo, 0, len(specs))
	for i, spec := range specs {
		item := api.CompositeItemInfo{Configuration: spec, Order: i}
		if at := strings.LastIndex(spec, "@"); at > 0 {
			item.Configuration = spec[:at]
			item.PinnedVersion = spec[at+1:]
		}
		items = append(items, item)
	}
	return items
}

func newCompositeCreateCmd() *cobra.Command {
	var (
		description string
		entryPoint  string
		version     string
		draft       bool
		itemSpecs   []string
	)
	cmd := &cobra.Command{
		Use:   "create NAME --item CONFIG[@VERSION] ...",
		Short: "Create a composite configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.CreateComposite(cmd.Context(), cli.CreateCompositeOptions{
				Name:        args[0],
				Description: description,
				EntryPoint:  entryPoint,
				Version:     version,
				Draft:       draft,
				Items:       parseCompositeItems(itemSpecs),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created composite %s at version %s (%d children)\n", info.Name, version, len(itemSpecs))
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "composite description")
	cmd.Flags().StringVar(&entryPoint, "entry-point", "", "entry point file of the merged bundle")
	cmd.Flags().StringVar(&version, "version", "1.0.0", "initial version")
	cmd.Flags().BoolVar(&draft, "draft", false, "create the initial version as a draft")
	cmd.Flags().StringArrayVar(&itemSpecs, "item", nil, "child configuration, NAME or NAME@VERSION, in merge order")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func newCompositeUploadCmd() *cobra.Command {
	var (
		draft     bool
		itemSpecs []string
	)
	cmd := &cobra.Command{
		Use:   "upload NAME VERSION --item CONFIG[@VERSION] ...",
		Short: "Upload a new composite version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.UploadCompositeVersion(cmd.Context(), args[0], args[1], draft, parseCompositeItems(itemSpecs))
			if err != nil {
				return err
			}
			state := "published"
			if info.IsDraft {
				state = "draft"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s %s (%s)\n", args[0], info.Version, state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&draft, "draft", false, "upload as a draft")
	cmd.Flags().StringArrayVar(&itemSpecs, "item", nil, "child configuration, NAME or NAME@VERSION, in merge order")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func newCompositePublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish NAME VERSION",
		Short: "Publish a draft composite version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.PublishCompositeVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s %s\n", args[0], info.Version)
			return nil
		},
	}
}

func newCompositeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List composite configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			composites, err := client.ListComposites(cmd.Context())
			if err != nil {
				return err
			}
			cli.RenderComposites(cmd.OutOrStdout(), composites)
			return nil
		},
	}
}

func newCompositeInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect NAME",
		Short: "Show a composite and its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.GetComposite(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:        %s\n", info.Name)
			if info.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", info.Description)
			}
			fmt.Fprintf(out, "Entry point: %s\n", info.EntryPoint)
			for _, v := range info.Versions {
				state := "published"
				if v.IsDraft {
					state = "draft"
				}
				if v.IsArchived {
					state = "archived"
				}
				fmt.Fprintf(out, "\nVersion %s (%s):\n", v.Version, state)
				for _, item := range v.Items {
					pin := "latest published"
					if item.PinnedVersion != "" {
						pin = item.PinnedVersion
					}
					fmt.Fprintf(out, "  %d. %s (%s)\n", item.Order+1, item.Configuration, pin)
				}
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(compositeCmd)
	compositeCmd.AddCommand(
		newCompositeCreateCmd(),
		newCompositeUploadCmd(),
		newCompositePublishCmd(),
		newCompositeListCmd(),
		newCompositeInspectCmd(),
	)
}
