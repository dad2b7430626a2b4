package cmd

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opendsc/opendsc/internal/lcm/certs"
	"github.com/opendsc/opendsc/internal/lcm/config"
	"github.com/opendsc/opendsc/internal/lcm/pull"
	"github.com/opendsc/opendsc/internal/lcm/worker"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Agent exit codes, distinct from the operator CLI mapping: service
// managers key restart policies off these.
const (
	lcmExitInvalidConfig = 2
	lcmExitCertificate   = 3
	lcmExitBootstrap     = 4
)

var (
	lcmConfigDir   string
	lcmEnvironment string
	lcmOnce        bool
)

var lcmCmd = &cobra.Command{
	Use:   "lcm",
	Short: "Run the local configuration manager agent",
	Long: `Runs the agent loop: fetch or locate the configuration document,
test the machine against it, remediate drift when the mode allows it and
report the outcome. Configuration layers load from appsettings.json files,
LCM_-prefixed environment variables and these flags; changes on disk apply
without a restart.`,
	Args: cobra.NoArgs,
	RunE: runLCM,
}

func runLCM(cmd *cobra.Command, _ []string) error {
	loader := &config.Loader{
		ConfigDir:   lcmConfigDir,
		Environment: lcmEnvironment,
		Flags:       cmd.Flags(),
	}
	watcher, err := config.NewWatcher(loader)
	if err != nil {
		for _, failure := range config.Failures(err) {
			cmd.PrintErrln(failure)
		}
		return exitCodeError{code: lcmExitInvalidConfig, err: fmt.Errorf("agent configuration is invalid")}
	}

	snap := watcher.Snapshot().LCM
	logging.InitForDaemon(logging.ParseLevel(snap.LogLevel), os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := worker.Options{Config: watcher}
	if snap.Source() == config.SourcePull {
		client, rotator, err := buildPullClient(&snap)
		if err != nil {
			return err
		}
		if !client.Registered() {
			if err := client.Register(ctx, snap.PullServer.RegistrationKey); err != nil {
				return exitCodeError{code: lcmExitBootstrap, err: fmt.Errorf("node registration failed: %w", err)}
			}
		}
		opts.Refresher = client
		opts.Reporter = client
		if rotator != nil {
			// Assigning a nil *CertRotator would give the worker a
			// non-nil interface.
			opts.Rotator = rotator
		}
	}

	watcher.Watch(ctx)
	w := worker.New(opts)
	if lcmOnce {
		return w.RunOnce(ctx)
	}
	return w.Run(ctx)
}

// buildPullClient loads the client certificate per the configured source and
// builds the pull client, plus a rotator for managed certificates.
func buildPullClient(snap *config.Settings) (*pull.Client, *worker.CertRotator, error) {
	dataDir := snap.DataDir()
	fqdn, err := os.Hostname()
	if err != nil || fqdn == "" {
		fqdn = "localhost"
	}

	ps := &snap.PullServer
	var rotator *worker.CertRotator
	var client *pull.Client

	switch ps.CertSource() {
	case config.CertSourcePlatform:
		cert, err := certs.LoadPlatform(ps.CertificatePath, ps.CertificatePassword, ps.CertificateThumbprint)
		if err != nil {
			return nil, nil, exitCodeError{code: lcmExitCertificate, err: fmt.Errorf("loading platform certificate: %w", err)}
		}
		client, err = newPullClient(ps, dataDir, fqdn, cert)
		if err != nil {
			return nil, nil, err
		}
	default:
		manager := certs.NewManager(certDir(dataDir), fqdn)
		cert, err := manager.Load()
		if err != nil {
			return nil, nil, exitCodeError{code: lcmExitCertificate, err: fmt.Errorf("loading managed certificate: %w", err)}
		}
		client, err = newPullClient(ps, dataDir, fqdn, cert)
		if err != nil {
			return nil, nil, err
		}
		rotator = worker.NewCertRotator(manager, client, cert)
	}
	return client, rotator, nil
}

func newPullClient(ps *config.PullServerSettings, dataDir, fqdn string, cert tls.Certificate) (*pull.Client, error) {
	client, err := pull.New(pull.Options{
		ServerURL:     ps.ServerUrl,
		DataDir:       dataDir,
		FQDN:          fqdn,
		Certificate:   cert,
		TrustedCAPath: ps.TrustedCaPath,
	})
	if err != nil {
		return nil, exitCodeError{code: lcmExitBootstrap, err: err}
	}
	return client, nil
}

func certDir(dataDir string) string {
	return filepath.Join(dataDir, "certs")
}

func init() {
	rootCmd.AddCommand(lcmCmd)
	lcmCmd.Flags().StringVar(&lcmConfigDir, "config", "", "configuration directory (replaces the platform layer)")
	lcmCmd.Flags().StringVar(&lcmEnvironment, "environment", "", "appsettings overlay environment")
	lcmCmd.Flags().BoolVar(&lcmOnce, "once", false, "run a single cycle and exit")
	config.BindFlags(lcmCmd.Flags())
}
