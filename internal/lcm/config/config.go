// Package config loads and watches the agent configuration. Settings are
// layered: built-in defaults, appsettings.json beside the binary, an
// environment-specific overlay, the platform configuration directory,
// LCM_-prefixed environment variables and finally command-line flags. A
// fsnotify watcher re-reads the layers on change; a reload that fails
// validation keeps the previous configuration in place.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/opendsc/opendsc/pkg/timespan"
)

// Configuration modes. Monitor only tests; Remediate tests and, on drift,
// applies.
const (
	ModeMonitor   = "Monitor"
	ModeRemediate = "Remediate"
)

// Configuration sources. Local runs a document from disk; Pull fetches the
// node's bundle from the pull server.
const (
	SourceLocal = "Local"
	SourcePull  = "Pull"
)

// Client certificate sources. Managed certificates are generated and rotated
// by the agent; Platform certificates are provisioned externally and loaded
// from a file.
const (
	CertSourceManaged  = "Managed"
	CertSourcePlatform = "Platform"
)

// Config is the root of the agent configuration document.
type Config struct {
	LCM Settings `mapstructure:"lcm"`
}

// Settings is the LCM section of the configuration.
type Settings struct {
	// ConfigurationMode selects Monitor or Remediate behavior per cycle.
	ConfigurationMode string `mapstructure:"configurationMode"`

	// ConfigurationSource selects where the configuration document comes
	// from: Local (ConfigurationPath) or Pull (the pull server bundle).
	ConfigurationSource string `mapstructure:"configurationSource"`

	// ConfigurationPath is the configuration document applied in Local
	// mode. Ignored when the source is Pull.
	ConfigurationPath string `mapstructure:"configurationPath"`

	// ConfigurationModeInterval is the cycle interval in HH:MM:SS form
	// (optionally D.HH:MM:SS). Must be greater than zero.
	ConfigurationModeInterval string `mapstructure:"configurationModeInterval"`

	// DscExecutablePath locates the enforcement binary. Empty means "dsc"
	// resolved on PATH.
	DscExecutablePath string `mapstructure:"dscExecutablePath"`

	// LogLevel filters agent logging and maps onto the enforcement
	// binary's trace level.
	LogLevel string `mapstructure:"logLevel"`

	// DataPath overrides the platform data directory (extracted bundles,
	// managed certificates, node state).
	DataPath string `mapstructure:"dataPath"`

	PullServer PullServerSettings `mapstructure:"pullServer"`
}

// PullServerSettings configures the connection to the pull server.
type PullServerSettings struct {
	// ServerUrl is the base URL of the pull server, https required.
	ServerUrl string `mapstructure:"serverUrl"`

	// RegistrationKey authorizes first-time enrollment. Unused once the
	// node is registered.
	RegistrationKey string `mapstructure:"registrationKey"`

	// ReportCompliance submits test/set outcomes after each cycle.
	ReportCompliance bool `mapstructure:"reportCompliance"`

	// CertificateSource is Managed or Platform.
	CertificateSource string `mapstructure:"certificateSource"`

	// CertificateThumbprint pins the expected certificate fingerprint for
	// Platform certificates (hex SHA-256, case-insensitive).
	CertificateThumbprint string `mapstructure:"certificateThumbprint"`

	// CertificatePath locates the Platform certificate: either a PEM file
	// carrying certificate and key, or a PKCS#12 bundle.
	CertificatePath string `mapstructure:"certificatePath"`

	// CertificatePassword decrypts a PKCS#12 CertificatePath.
	CertificatePassword string `mapstructure:"certificatePassword"`

	// TrustedCaPath adds a PEM CA bundle the server certificate is
	// verified against, for servers not signed by a system root.
	TrustedCaPath string `mapstructure:"trustedCaPath"`
}

// Mode returns the normalized configuration mode.
func (s *Settings) Mode() string {
	if strings.EqualFold(s.ConfigurationMode, ModeRemediate) {
		return ModeRemediate
	}
	return ModeMonitor
}

// Source returns the normalized configuration source.
func (s *Settings) Source() string {
	if strings.EqualFold(s.ConfigurationSource, SourcePull) {
		return SourcePull
	}
	return SourceLocal
}

// CertSource returns the normalized certificate source.
func (s *PullServerSettings) CertSource() string {
	if strings.EqualFold(s.CertificateSource, CertSourcePlatform) {
		return CertSourcePlatform
	}
	return CertSourceManaged
}

// Interval returns the parsed cycle interval. Configurations that passed
// Validate always parse; a malformed value yields zero.
func (s *Settings) Interval() time.Duration {
	d, err := timespan.Parse(s.ConfigurationModeInterval)
	if err != nil {
		return 0
	}
	return d
}

// Executable returns the enforcement binary to invoke.
func (s *Settings) Executable() string {
	if s.DscExecutablePath != "" {
		return s.DscExecutablePath
	}
	return "dsc"
}

// DataDir returns the agent data directory.
func (s *Settings) DataDir() string {
	if s.DataPath != "" {
		return s.DataPath
	}
	return DefaultDataDir()
}

// Validate checks the configuration and reports every failure, not just the
// first one.
func (c *Config) Validate() error {
	var errs *multierror.Error
	s := &c.LCM

	switch {
	case s.ConfigurationMode == "":
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationMode must be set"))
	case !strings.EqualFold(s.ConfigurationMode, ModeMonitor) && !strings.EqualFold(s.ConfigurationMode, ModeRemediate):
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationMode %q is not one of Monitor, Remediate", s.ConfigurationMode))
	}

	switch {
	case s.ConfigurationSource == "":
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationSource must be set"))
	case !strings.EqualFold(s.ConfigurationSource, SourceLocal) && !strings.EqualFold(s.ConfigurationSource, SourcePull):
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationSource %q is not one of Local, Pull", s.ConfigurationSource))
	}

	if d, err := timespan.Parse(s.ConfigurationModeInterval); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationModeInterval: %v", err))
	} else if d <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationModeInterval must be greater than zero"))
	}

	if s.Source() == SourceLocal && s.ConfigurationPath == "" {
		errs = multierror.Append(errs, fmt.Errorf("LCM.ConfigurationPath must be set when the source is Local"))
	}

	if s.Source() == SourcePull {
		p := &s.PullServer
		if p.ServerUrl == "" {
			errs = multierror.Append(errs, fmt.Errorf("LCM.PullServer.ServerUrl must be set when the source is Pull"))
		} else if u, err := url.Parse(p.ServerUrl); err != nil || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("LCM.PullServer.ServerUrl %q is not a valid URL", p.ServerUrl))
		} else if u.Scheme != "https" {
			errs = multierror.Append(errs, fmt.Errorf("LCM.PullServer.ServerUrl must use https, got %q", u.Scheme))
		}
		if p.CertificateSource != "" &&
			!strings.EqualFold(p.CertificateSource, CertSourceManaged) &&
			!strings.EqualFold(p.CertificateSource, CertSourcePlatform) {
			errs = multierror.Append(errs, fmt.Errorf("LCM.PullServer.CertificateSource %q is not one of Managed, Platform", p.CertificateSource))
		}
		if p.CertSource() == CertSourcePlatform && p.CertificatePath == "" {
			errs = multierror.Append(errs, fmt.Errorf("LCM.PullServer.CertificatePath must be set for a Platform certificate"))
		}
	}

	return errs.ErrorOrNil()
}

// Failures flattens a Validate error into its individual failures so each
// one can be logged on its own line.
func Failures(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if ok := asMultierror(err, &merr); ok {
		return merr.Errors
	}
	return []error{err}
}

func asMultierror(err error, target **multierror.Error) bool {
	m, ok := err.(*multierror.Error)
	if !ok {
		return false
	}
	*target = m
	return true
}

// Loader assembles the configuration from all layers.
type Loader struct {
	// ConfigDir overrides the platform configuration directory. The
	// directory's appsettings.json replaces the platform layer.
	ConfigDir string

	// Environment selects the appsettings.{environment}.json overlay.
	// Defaults to the LCM_ENVIRONMENT variable.
	Environment string

	// Flags is bound as the highest-precedence layer when set. Flag names
	// bind via BindFlags.
	Flags *pflag.FlagSet
}

// envBindings maps configuration keys onto their LCM_-prefixed environment
// variables. Nesting below the LCM section flattens with a single
// underscore.
var envBindings = map[string]string{
	"lcm.configurationMode":                "LCM_CONFIGURATIONMODE",
	"lcm.configurationSource":              "LCM_CONFIGURATIONSOURCE",
	"lcm.configurationPath":                "LCM_CONFIGURATIONPATH",
	"lcm.configurationModeInterval":        "LCM_CONFIGURATIONMODEINTERVAL",
	"lcm.dscExecutablePath":                "LCM_DSCEXECUTABLEPATH",
	"lcm.logLevel":                         "LCM_LOGLEVEL",
	"lcm.dataPath":                         "LCM_DATAPATH",
	"lcm.pullServer.serverUrl":             "LCM_PULLSERVER_SERVERURL",
	"lcm.pullServer.registrationKey":       "LCM_PULLSERVER_REGISTRATIONKEY",
	"lcm.pullServer.reportCompliance":      "LCM_PULLSERVER_REPORTCOMPLIANCE",
	"lcm.pullServer.certificateSource":     "LCM_PULLSERVER_CERTIFICATESOURCE",
	"lcm.pullServer.certificateThumbprint": "LCM_PULLSERVER_CERTIFICATETHUMBPRINT",
	"lcm.pullServer.certificatePath":       "LCM_PULLSERVER_CERTIFICATEPATH",
	"lcm.pullServer.certificatePassword":   "LCM_PULLSERVER_CERTIFICATEPASSWORD",
	"lcm.pullServer.trustedCaPath":         "LCM_PULLSERVER_TRUSTEDCAPATH",
}

// flagBindings maps command-line flag names onto configuration keys.
var flagBindings = map[string]string{
	"mode":     "lcm.configurationMode",
	"source":   "lcm.configurationSource",
	"file":     "lcm.configurationPath",
	"interval": "lcm.configurationModeInterval",
	"dsc-path": "lcm.dscExecutablePath",
	"data":     "lcm.dataPath",
	"server":   "lcm.pullServer.serverUrl",
}

// BindFlags declares the agent's command-line flags on fs. Flags left at
// their defaults do not override lower layers.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("mode", "", "configuration mode (Monitor, Remediate)")
	fs.String("source", "", "configuration source (Local, Pull)")
	fs.String("file", "", "configuration document for the Local source")
	fs.String("interval", "", "cycle interval (HH:MM:SS)")
	fs.String("dsc-path", "", "path to the enforcement binary")
	fs.String("data", "", "agent data directory")
	fs.String("server", "", "pull server base URL")
}

// Load reads every layer and returns the merged configuration. Load does
// not validate; callers decide whether an invalid configuration is fatal
// (startup) or kept out (reload).
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	for _, file := range l.layerFiles() {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if l.Flags != nil {
		for name, key := range flagBindings {
			flag := l.Flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			v.Set(key, flag.Value.String())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return &cfg, nil
}

// layerFiles returns the overlay files lowest precedence first. Missing
// files are skipped by Load.
func (l *Loader) layerFiles() []string {
	var files []string

	if dir, err := executableDir(); err == nil {
		files = append(files, filepath.Join(dir, "appsettings.json"))
		if env := l.environment(); env != "" {
			files = append(files, filepath.Join(dir, "appsettings."+env+".json"))
		}
	}

	platformDir := l.ConfigDir
	if platformDir == "" {
		platformDir = DefaultConfigDir()
	}
	files = append(files, filepath.Join(platformDir, "appsettings.json"))
	if env := l.environment(); env != "" {
		files = append(files, filepath.Join(platformDir, "appsettings."+env+".json"))
	}
	return files
}

func (l *Loader) environment() string {
	if l.Environment != "" {
		return l.Environment
	}
	return os.Getenv("LCM_ENVIRONMENT")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lcm.configurationMode", ModeMonitor)
	v.SetDefault("lcm.configurationSource", SourceLocal)
	v.SetDefault("lcm.configurationModeInterval", "00:15:00")
	v.SetDefault("lcm.logLevel", "info")
	v.SetDefault("lcm.pullServer.reportCompliance", true)
	v.SetDefault("lcm.pullServer.certificateSource", CertSourceManaged)
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}
