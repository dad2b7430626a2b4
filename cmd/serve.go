package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/app"
	"github.com/opendsc/opendsc/pkg/logging"
)

var (
	serveConfigDir string
	serveDataDir   string
	serveDebug     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pull server",
	Long: `Starts the pull server: the node-facing bundle surface and the
operator REST API. Configuration comes from appsettings.json in the
configuration directory with OPENDSC_-prefixed environment overrides.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.InitForDaemon(level, os.Stderr)

	cfg, err := app.LoadConfig(serveConfigDir)
	if err != nil {
		return err
	}
	if serveDataDir != "" {
		cfg.DataPath = serveDataDir
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigDir, "config", "", "configuration directory")
	serveCmd.Flags().StringVar(&serveDataDir, "data", "", "storage root (overrides the configured dataPath)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
}
