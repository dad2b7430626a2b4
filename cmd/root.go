// Package cmd is the opendsc command tree: the pull server (`serve`), the
// agent (`lcm`) and the operator commands talking to a running server.
package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/cli"
)

// exitCodeError carries an explicit process exit code past cobra. The lcm
// command uses it: the agent's codes (2 invalid configuration, 3 certificate
// failure, 4 bootstrap failure) differ from the operator mapping.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

// rootCmd is the base command of the opendsc binary.
var rootCmd = &cobra.Command{
	Use:   "opendsc",
	Short: "Configuration distribution for DSC-managed machines",
	Long: `opendsc runs the pull server that stores and serves configuration
bundles, the local configuration manager (LCM) agent that applies them, and
the operator commands for managing configurations, nodes and scopes.`,
	// Errors are reported once by Execute; cobra's usage dump would bury
	// them.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Operator connection settings, shared by every command that talks to a
// server. Environment variables back the flags so CI does not have to pass
// credentials on the command line.
var (
	flagServer string
	flagToken  string
)

// SetVersion injects the build version, called from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the command tree and exits with the semantic exit code:
// 0 ok, 1 error, 2 validation, 3 auth, 4 connectivity.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "opendsc version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		var coded exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(cli.ExitCode(err))
	}
}

// operatorClient builds the REST client from the connection flags.
func operatorClient() (*cli.Client, error) {
	server := flagServer
	if server == "" {
		server = os.Getenv("OPENDSC_SERVER")
	}
	token := flagToken
	if token == "" {
		token = os.Getenv("OPENDSC_TOKEN")
	}
	return cli.NewClient(server, token)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "pull server base URL (or OPENDSC_SERVER)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "personal access token (or OPENDSC_TOKEN)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
