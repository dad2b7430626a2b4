package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/cli"
)

var scopeCmd = &cobra.Command{
	Use:     "scope",
	Aliases: []string{"scopes"},
	Short:   "Manage scope types and their values",
	Long: `Scope types define the parameter precedence hierarchy. Lower
precedence numbers merge first and are overridden by higher ones.`,
}

func newScopeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scope types in precedence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			scopes, err := client.ListScopeTypes(cmd.Context())
			if err != nil {
				return err
			}
			cli.RenderScopeTypes(cmd.OutOrStdout(), scopes)
			return nil
		},
	}
}

func newScopeCreateCmd() *cobra.Command {
	var (
		precedence   int
		allowsValues bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a scope type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			info, err := client.CreateScopeType(cmd.Context(), args[0], precedence, allowsValues)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created scope type %s at precedence %d\n", info.Name, info.Precedence)
			return nil
		},
	}
	cmd.Flags().IntVar(&precedence, "precedence", 0, "merge precedence, higher overrides lower")
	cmd.Flags().BoolVar(&allowsValues, "allows-values", true, "whether the type carries values (e.g. region=eu)")
	_ = cmd.MarkFlagRequired("precedence")
	return cmd
}

func newScopeSetValueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-value TYPE VALUE",
		Short: "Register a value under a scope type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			if err := client.AddScopeValue(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added value %s to scope type %s\n", args[1], args[0])
			return nil
		},
	}
}

func newScopeReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder TYPE=PRECEDENCE ...",
		Short: "Apply a complete precedence ordering atomically",
		Long: `Reassigns precedence for every named scope type in one step, so
intermediate states never have two types at the same precedence. Every
non-system type must be listed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := operatorClient()
			if err != nil {
				return err
			}
			precedences := make(map[string]int, len(args))
			for _, pair := range args {
				name, value, found := strings.Cut(pair, "=")
				if !found {
					return api.NewFieldValidationError("precedences", "expected TYPE=PRECEDENCE, got %q", pair)
				}
				p, err := strconv.Atoi(value)
				if err != nil {
					return api.NewFieldValidationError("precedences", "precedence for %s is not a number: %q", name, value)
				}
				precedences[name] = p
			}
			if err := client.ReorderScopeTypes(cmd.Context(), precedences); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reordered %d scope type(s)\n", len(precedences))
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(scopeCmd)
	scopeCmd.AddCommand(
		newScopeListCmd(),
		newScopeCreateCmd(),
		newScopeSetValueCmd(),
		newScopeReorderCmd(),
	)
}
