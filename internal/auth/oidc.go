package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// OIDCConfig wires the optional identity provider login. Login is offered
// when ClientID and the three endpoint URLs are all set.
type OIDCConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string

	// UsernameClaim selects the userinfo claim used as the account name.
	// Defaults to "preferred_username"; the subject is the fallback.
	UsernameClaim string

	// GroupsClaim selects the userinfo claim carrying provider group
	// names. Defaults to "groups".
	GroupsClaim string
}

// Enabled reports whether the configuration is complete enough to offer
// identity provider login.
func (c OIDCConfig) Enabled() bool {
	return c.ClientID != "" && c.AuthURL != "" && c.TokenURL != "" && c.UserInfoURL != ""
}

// Pending login states are single-use and expire unredeemed.
const oidcStateTTL = 10 * time.Minute

// oidcClient drives the authorization-code flow against the provider.
type oidcClient struct {
	cfg OIDCConfig

	mu     sync.Mutex
	states map[string]time.Time
}

func newOIDCClient(cfg OIDCConfig) *oidcClient {
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = "preferred_username"
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email"}
	}
	return &oidcClient{cfg: cfg, states: make(map[string]time.Time)}
}

func (c *oidcClient) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.cfg.AuthURL,
			TokenURL: c.cfg.TokenURL,
		},
		RedirectURL: redirectURI,
		Scopes:      c.cfg.Scopes,
	}
}

// beginLogin mints a single-use state and returns the provider
// authorization URL. Expired states are swept opportunistically.
func (c *oidcClient) beginLogin(redirectURI string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", api.NewTransientIOError("generate login state", err)
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	c.mu.Lock()
	now := time.Now()
	for pending, created := range c.states {
		if now.Sub(created) > oidcStateTTL {
			delete(c.states, pending)
		}
	}
	c.states[state] = now
	c.mu.Unlock()

	return c.oauthConfig(redirectURI).AuthCodeURL(state), nil
}

// consumeState validates and burns a callback state so it cannot be
// replayed.
func (c *oidcClient) consumeState(state string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	created, ok := c.states[state]
	if !ok {
		return false
	}
	delete(c.states, state)
	return time.Since(created) <= oidcStateTTL
}

// oidcClaims is the subset of the userinfo document the login flow reads.
type oidcClaims struct {
	Subject  string
	Username string
	Name     string
	Email    string
	Groups   []string
}

// fetchClaims exchanges the authorization code and reads the userinfo
// endpoint with the resulting token.
func (c *oidcClient) fetchClaims(ctx context.Context, code, redirectURI string) (*oidcClaims, error) {
	conf := c.oauthConfig(redirectURI)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		logging.Warn("Auth", "Authorization code exchange failed: %v", err)
		return nil, api.NewUnauthorizedError("authorization code exchange failed")
	}

	resp, err := conf.Client(ctx, token).Get(c.cfg.UserInfoURL)
	if err != nil {
		return nil, api.NewTransientIOError("fetch userinfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, api.NewUnauthorizedError("userinfo request returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, api.NewTransientIOError("read userinfo", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, api.NewUnauthorizedError("userinfo document is not valid JSON")
	}
	claims := &oidcClaims{
		Subject:  stringClaim(raw, "sub"),
		Username: stringClaim(raw, c.cfg.UsernameClaim),
		Name:     stringClaim(raw, "name"),
		Email:    stringClaim(raw, "email"),
		Groups:   stringSliceClaim(raw, c.cfg.GroupsClaim),
	}
	if claims.Subject == "" {
		return nil, api.NewUnauthorizedError("userinfo document carries no subject")
	}
	if claims.Username == "" {
		claims.Username = claims.Subject
	}
	return claims, nil
}

// OIDCEnabled reports whether identity provider login is configured.
func (s *Service) OIDCEnabled() bool {
	return s.oidc != nil && s.oidc.cfg.Enabled()
}

// BeginOIDCLogin returns the provider authorization URL for a fresh login
// attempt.
func (s *Service) BeginOIDCLogin(ctx context.Context, redirectURI string) (string, error) {
	if !s.OIDCEnabled() {
		return "", api.NewValidationError("identity provider login is not configured")
	}
	return s.oidc.beginLogin(redirectURI)
}

// CompleteOIDCLogin finishes the authorization-code flow: validates the
// callback state, exchanges the code, maps the provider claims onto an
// account and opens a session. Accounts are keyed by the provider subject
// and created on first login; provider groups replace the account's
// externally mapped memberships every time.
func (s *Service) CompleteOIDCLogin(ctx context.Context, state, code, redirectURI string) (*Session, error) {
	if !s.OIDCEnabled() {
		return nil, api.NewValidationError("identity provider login is not configured")
	}
	if !s.oidc.consumeState(state) {
		logging.Audit(logging.AuditEvent{Action: "session_login", Outcome: "failure", Detail: "oidc state expired or unknown"})
		return nil, api.NewUnauthorizedError("login state expired or unknown")
	}
	claims, err := s.oidc.fetchClaims(ctx, code, redirectURI)
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "session_login", Outcome: "failure", Detail: err.Error()})
		return nil, err
	}

	var username string
	err = s.store.Update(func(tx store.WriteTx) error {
		user := userByExternalSubject(tx, claims.Subject)
		if user == nil {
			if tx.User(claims.Username) != nil {
				return api.NewConflictError("username %q is already taken by another account", claims.Username)
			}
			user = &store.User{
				ID:              uuid.New().String(),
				Username:        claims.Username,
				ExternalSubject: claims.Subject,
				CreatedAt:       time.Now().UTC(),
			}
			logging.Info("Auth", "Creating account %q for identity provider subject", claims.Username)
		} else {
			if user.Disabled {
				return api.NewUnauthorizedError("unknown or disabled user")
			}
			user = user.Clone()
		}
		user.DisplayName = claims.Name
		user.Email = claims.Email
		user.Groups = mergeExternalGroups(tx, user.Groups, claims.Groups)
		tx.SaveUser(user)
		username = user.Username
		return nil
	})
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "session_login", Outcome: "failure", Principal: claims.Username, Detail: err.Error()})
		return nil, err
	}

	session, err := s.sessions.Create(username)
	if err != nil {
		return nil, err
	}
	logging.Audit(logging.AuditEvent{Action: "session_login", Outcome: "success", Principal: username, Detail: "oidc"})
	return session, nil
}

func userByExternalSubject(tx store.ReadTx, subject string) *store.User {
	for _, u := range tx.Users() {
		if u.ExternalSubject == subject {
			return u
		}
	}
	return nil
}

// mergeExternalGroups keeps manually managed memberships and replaces the
// externally mapped ones with the groups whose claim appears in the
// provider's group list.
func mergeExternalGroups(tx store.ReadTx, current, claimValues []string) []string {
	claimed := sets.New(claimValues...)
	merged := sets.New[string]()
	for _, name := range current {
		group := tx.Group(name)
		if group == nil {
			continue
		}
		if group.ExternalClaim == "" {
			merged.Insert(name)
		}
	}
	for _, group := range tx.Groups() {
		if group.ExternalClaim != "" && claimed.Has(group.ExternalClaim) {
			merged.Insert(group.Name)
		}
	}
	return sets.List(merged)
}

func stringClaim(raw map[string]interface{}, key string) string {
	v, _ := raw[key].(string)
	return v
}

func stringSliceClaim(raw map[string]interface{}, key string) []string {
	list, ok := raw[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
