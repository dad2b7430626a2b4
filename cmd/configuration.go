package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/cli"
)

var configurationCmd = &cobra.Command{
	Use:     "configuration",
	Aliases: []string{"config"},
	Short:   "Manage configurations on the pull server",
}

func newConfigurationCreateCmd() *cobra.Command {
	var (
		description   string
		entryPoint    string
		serverManaged bool
		version       string
		draft         bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME DIR",
		Short: "Create a configuration from a directory of files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			files, err := cli.CollectFiles(args[1])
			if err != nil {
				return err
			}
			var info *api.ConfigurationInfo
			err = cli.WithSpinner("Uploading configuration", func() error {
				info, err = client.CreateConfiguration(cmd.Context(), cli.CreateConfigurationOptions{
					Name:          args[0],
					Description:   description,
					EntryPoint:    entryPoint,
					ServerManaged: serverManaged,
					Version:       version,
					Draft:         draft,
					Files:         files,
				})
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created configuration %s at version %s (%d files)\n", info.Name, version, len(files))
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "configuration description")
	cmd.Flags().StringVar(&entryPoint, "entry-point", "", "entry point file inside the directory")
	cmd.Flags().BoolVar(&serverManaged, "server-managed", false, "let the server merge scoped parameters into the bundle")
	cmd.Flags().StringVar(&version, "version", "1.0.0", "initial version")
	cmd.Flags().BoolVar(&draft, "draft", false, "create the initial version as a draft")
	return cmd
}

func newConfigurationUploadCmd() *cobra.Command {
	var draft bool
	cmd := &cobra.Command{
		Use:   "upload NAME VERSION DIR",
		Short: "Upload a new version of an existing configuration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			files, err := cli.CollectFiles(args[2])
			if err != nil {
				return err
			}
			var info *api.VersionInfo
			err = cli.WithSpinner("Uploading version", func() error {
				info, err = client.UploadVersion(cmd.Context(), args[0], args[1], draft, files)
				return err
			})
			if err != nil {
				return err
			}
			state := "published"
			if info.IsDraft {
				state = "draft"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s %s (%s, %d files)\n", args[0], info.Version, state, len(files))
			return nil
		},
	}
	cmd.Flags().BoolVar(&draft, "draft", false, "upload as a draft")
	return cmd
}

func newConfigurationPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish NAME VERSION",
		Short: "Publish a draft version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.PublishVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s %s\n", args[0], info.Version)
			return nil
		},
	}
}

func newConfigurationArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive NAME VERSION",
		Short: "Archive a version so it is no longer served",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.ArchiveVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s %s\n", args[0], info.Version)
			return nil
		},
	}
}

func newConfigurationDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME [VERSION]",
		Short: "Delete a configuration, or a single version of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if err := client.DeleteVersion(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", args[0], args[1])
				return nil
			}
			if err := client.DeleteConfiguration(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newConfigurationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			configs, err := client.ListConfigurations(cmd.Context())
			if err != nil {
				return err
			}
			cli.RenderConfigurations(cmd.OutOrStdout(), configs)
			return nil
		},
	}
}

func newConfigurationInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect NAME",
		Short: "Show a configuration and its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.GetConfiguration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:           %s\n", info.Name)
			if info.Description != "" {
				fmt.Fprintf(out, "Description:    %s\n", info.Description)
			}
			fmt.Fprintf(out, "Entry point:    %s\n", info.EntryPoint)
			fmt.Fprintf(out, "Server managed: %t\n", info.ServerManaged)
			fmt.Fprintln(out)
			cli.RenderVersions(out, info.Versions)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(configurationCmd)
	configurationCmd.AddCommand(
		newConfigurationCreateCmd(),
		newConfigurationUploadCmd(),
		newConfigurationPublishCmd(),
		newConfigurationArchiveCmd(),
		newConfigurationDeleteCmd(),
		newConfigurationListCmd(),
		newConfigurationInspectCmd(),
	)
}
