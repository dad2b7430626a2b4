package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the pull server configuration, read from appsettings.json in the
// configuration directory with OPENDSC_-prefixed environment overrides.
type Config struct {
	// ListenAddr is the host:port the server binds.
	ListenAddr string `mapstructure:"listenAddr"`

	// TLSCertFile and TLSKeyFile enable TLS. Required in production: node
	// authentication needs client certificates.
	TLSCertFile string `mapstructure:"tlsCertFile"`
	TLSKeyFile  string `mapstructure:"tlsKeyFile"`

	// DataPath is the storage root: entity snapshots and content blobs.
	DataPath string `mapstructure:"dataPath"`

	// EnforceSemVer rejects uploads whose version bump does not cover the
	// observed schema change.
	EnforceSemVer bool `mapstructure:"enforceSemVer"`

	Admin AdminConfig `mapstructure:"admin"`
	OIDC  OIDCConfig  `mapstructure:"oidc"`
}

// AdminConfig seeds the initial administrator account at startup. Without a
// username nothing is seeded.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// OIDCConfig enables identity provider login when ClientID is set.
type OIDCConfig struct {
	ClientID      string   `mapstructure:"clientId"`
	ClientSecret  string   `mapstructure:"clientSecret"`
	AuthURL       string   `mapstructure:"authUrl"`
	TokenURL      string   `mapstructure:"tokenUrl"`
	UserInfoURL   string   `mapstructure:"userInfoUrl"`
	Scopes        []string `mapstructure:"scopes"`
	UsernameClaim string   `mapstructure:"usernameClaim"`
	GroupsClaim   string   `mapstructure:"groupsClaim"`
}

// envBindings maps configuration keys onto their environment variables.
var envBindings = map[string]string{
	"listenAddr":     "OPENDSC_LISTENADDR",
	"tlsCertFile":    "OPENDSC_TLSCERTFILE",
	"tlsKeyFile":     "OPENDSC_TLSKEYFILE",
	"dataPath":       "OPENDSC_DATAPATH",
	"enforceSemVer":  "OPENDSC_ENFORCESEMVER",
	"admin.username": "OPENDSC_ADMIN_USERNAME",
	"admin.password": "OPENDSC_ADMIN_PASSWORD",
}

// DefaultDataDir is the platform storage root used when dataPath is not
// configured.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("ProgramData")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "OpenDSC", "Server")
	case "darwin":
		return "/Library/Application Support/OpenDSC/Server"
	default:
		return "/var/lib/opendsc/server"
	}
}

// LoadConfig reads the server configuration. configDir may be empty, in
// which case only defaults and environment variables apply.
func LoadConfig(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("listenAddr", ":8443")
	v.SetDefault("dataPath", DefaultDataDir())
	v.SetDefault("enforceSemVer", true)
	v.SetDefault("oidc.usernameClaim", "preferred_username")

	if configDir != "" {
		file := filepath.Join(configDir, "appsettings.json")
		if _, err := os.Stat(file); err == nil {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", file, err)
			}
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return &cfg, nil
}
