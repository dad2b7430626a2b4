package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
)

// fakeIdentityProvider serves just enough of the authorization-code flow
// for the client side: a token endpoint and a userinfo endpoint.
type fakeIdentityProvider struct {
	server *httptest.Server
	claims map[string]any
}

func newFakeIdentityProvider(t *testing.T) *fakeIdentityProvider {
	t.Helper()
	idp := &fakeIdentityProvider{
		claims: map[string]any{
			"sub":                "subject-1",
			"preferred_username": "casey",
			"name":               "Casey Example",
			"email":              "casey@example.com",
			"groups":             []string{"idp-operators"},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"idp-access-token","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer idp-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(idp.claims)
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *fakeIdentityProvider) config() OIDCConfig {
	return OIDCConfig{
		ClientID:     "opendsc",
		ClientSecret: "client-secret",
		AuthURL:      p.server.URL + "/authorize",
		TokenURL:     p.server.URL + "/token",
		UserInfoURL:  p.server.URL + "/userinfo",
	}
}

func beginLogin(t *testing.T, svc *Service) string {
	t.Helper()
	authURL, err := svc.BeginOIDCLogin(context.Background(), "http://localhost/callback")
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestOIDCLogin(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	f := newFixture(t, WithOIDC(idp.config()))
	ctx := context.Background()

	require.True(t, f.svc.OIDCEnabled())
	f.createRole(t, "operator", PermissionNodesRead)
	_, err := f.svc.CreateGroup(ctx, "ops", "idp-operators", []string{"operator"})
	require.NoError(t, err)

	state := beginLogin(t, f.svc)
	session, err := f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	require.NoError(t, err)

	user, err := f.svc.ResolveSession(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "casey", user.Username)
	assert.Equal(t, "subject-1", user.ExternalSubject)
	assert.Equal(t, "Casey Example", user.DisplayName)
	assert.Equal(t, []string{"ops"}, user.Groups)
	assert.Empty(t, user.PasswordHash)

	// Claim-mapped membership feeds the permission model.
	require.NoError(t, f.svc.CheckPermission(ctx, "casey", PermissionNodesRead))

	// States are single use.
	_, err = f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	assert.True(t, api.IsUnauthorized(err))
	_, err = f.svc.CompleteOIDCLogin(ctx, "forged-state", "auth-code", "http://localhost/callback")
	assert.True(t, api.IsUnauthorized(err))
}

func TestOIDCLoginRefreshesMembership(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	f := newFixture(t, WithOIDC(idp.config()))
	ctx := context.Background()

	_, err := f.svc.CreateGroup(ctx, "ops", "idp-operators", nil)
	require.NoError(t, err)
	_, err = f.svc.CreateGroup(ctx, "local-only", "", nil)
	require.NoError(t, err)

	state := beginLogin(t, f.svc)
	_, err = f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	require.NoError(t, err)

	// Locally assigned groups survive provider logins; claim-mapped ones
	// follow whatever the provider currently asserts.
	_, err = f.svc.AssignUserGroups(ctx, "casey", []string{"ops", "local-only"})
	require.NoError(t, err)
	idp.claims["groups"] = []string{}

	state = beginLogin(t, f.svc)
	_, err = f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	require.NoError(t, err)

	user, err := f.svc.GetUser(ctx, "casey")
	require.NoError(t, err)
	assert.Equal(t, []string{"local-only"}, user.Groups)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1, "provider logins reuse the account keyed by subject")
}

func TestOIDCLoginUsernameCollision(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	f := newFixture(t, WithOIDC(idp.config()))
	ctx := context.Background()
	f.createUser(t, "casey", "hunter2hunter2")

	state := beginLogin(t, f.svc)
	_, err := f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	assert.True(t, api.IsConflict(err))
}

func TestOIDCLoginDisabledAccount(t *testing.T) {
	idp := newFakeIdentityProvider(t)
	f := newFixture(t, WithOIDC(idp.config()))
	ctx := context.Background()

	state := beginLogin(t, f.svc)
	_, err := f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	require.NoError(t, err)
	require.NoError(t, f.svc.SetUserDisabled(ctx, "casey", true))

	state = beginLogin(t, f.svc)
	_, err = f.svc.CompleteOIDCLogin(ctx, state, "auth-code", "http://localhost/callback")
	assert.True(t, api.IsUnauthorized(err))
}

func TestOIDCNotConfigured(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.OIDCEnabled())
	_, err := f.svc.BeginOIDCLogin(context.Background(), "http://localhost/callback")
	assert.True(t, api.IsValidation(err))
}
