// Package app bootstraps the pull server: it opens the store, builds every
// domain service, installs their adapters in the api registry and runs the
// HTTP server until the context is cancelled.
package app

import (
	"context"
	"fmt"

	"github.com/opendsc/opendsc/internal/auth"
	"github.com/opendsc/opendsc/internal/bundle"
	"github.com/opendsc/opendsc/internal/configs"
	"github.com/opendsc/opendsc/internal/nodes"
	"github.com/opendsc/opendsc/internal/params"
	"github.com/opendsc/opendsc/internal/retention"
	"github.com/opendsc/opendsc/internal/scopes"
	"github.com/opendsc/opendsc/internal/server"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Application is a fully wired pull server.
type Application struct {
	config *Config
	store  store.Store
	auth   *auth.Service
	server *server.Server
}

// New opens the store, wires the services and prepares the HTTP server.
// Seeding (system scope types, the initial administrator) happens here so a
// freshly provisioned server is usable immediately.
func New(ctx context.Context, cfg *Config) (*Application, error) {
	st, err := store.Open(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.DataPath, err)
	}

	scopeService := scopes.NewService(st)
	scopes.NewAdapter(scopeService).Register()

	configService := configs.NewService(st, configs.WithSemVerEnforcement(cfg.EnforceSemVer))
	configs.NewAdapter(configService).Register()

	paramService := params.NewService(st, params.WithSemVerEnforcement(cfg.EnforceSemVer))
	params.NewAdapter(paramService).Register()

	builder := bundle.NewBuilder(st, paramService)
	nodeService := nodes.NewService(st, builder)
	nodes.NewAdapter(nodeService).Register()

	retention.NewAdapter(retention.NewService(st, configService)).Register()

	var authOpts []auth.Option
	if cfg.OIDC.ClientID != "" {
		authOpts = append(authOpts, auth.WithOIDC(auth.OIDCConfig{
			ClientID:      cfg.OIDC.ClientID,
			ClientSecret:  cfg.OIDC.ClientSecret,
			AuthURL:       cfg.OIDC.AuthURL,
			TokenURL:      cfg.OIDC.TokenURL,
			UserInfoURL:   cfg.OIDC.UserInfoURL,
			Scopes:        cfg.OIDC.Scopes,
			UsernameClaim: cfg.OIDC.UsernameClaim,
			GroupsClaim:   cfg.OIDC.GroupsClaim,
		}))
		logging.Info("Bootstrap", "Identity provider login enabled")
	}
	authService := auth.NewService(st, authOpts...)
	auth.NewAdapter(authService).Register()

	if err := scopeService.EnsureSystemTypes(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seeding system scope types: %w", err)
	}
	if cfg.Admin.Username != "" {
		if err := authService.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seeding administrator account: %w", err)
		}
	}

	srv, err := server.New(server.Config{
		Addr:        cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &Application{config: cfg, store: st, auth: authService, server: srv}, nil
}

// Run serves until ctx is cancelled, then releases the store.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		a.auth.Close()
		if err := a.store.Close(); err != nil {
			logging.Warn("Bootstrap", "Closing store: %v", err)
		}
	}()
	return a.server.Start(ctx)
}
