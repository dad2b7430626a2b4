package auth

import (
	"context"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

// Adapter exposes the auth service through the api handler registry.
type Adapter struct {
	service *Service
}

// NewAdapter creates a new adapter around the given service.
func NewAdapter(service *Service) *Adapter {
	return &Adapter{service: service}
}

// Register registers the adapter as the auth manager.
func (a *Adapter) Register() {
	api.RegisterAuthManager(a)
}

func (a *Adapter) Login(ctx context.Context, username, password string) (*api.SessionInfo, error) {
	session, err := a.service.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return sessionInfo(session), nil
}

func (a *Adapter) Logout(ctx context.Context, token string) error {
	return a.service.Logout(ctx, token)
}

func (a *Adapter) ResolveSession(ctx context.Context, token string) (*api.IdentityInfo, error) {
	user, err := a.service.ResolveSession(ctx, token)
	if err != nil {
		return nil, err
	}
	return identityInfo(user), nil
}

func (a *Adapter) ResolveAccessToken(ctx context.Context, token string) (*api.IdentityInfo, error) {
	user, err := a.service.ResolveAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return identityInfo(user), nil
}

func (a *Adapter) CheckPermission(ctx context.Context, username, permission string) error {
	return a.service.CheckPermission(ctx, username, permission)
}

func (a *Adapter) CheckResourceAccess(ctx context.Context, username, resourceType, resourceID, level string) error {
	return a.service.CheckResourceAccess(ctx, username, resourceType, resourceID, level)
}

func (a *Adapter) CreateUser(ctx context.Context, req api.CreateUserRequest) (*api.UserInfo, error) {
	user, err := a.service.CreateUser(ctx, req)
	if err != nil {
		return nil, err
	}
	return userInfo(user), nil
}

func (a *Adapter) GetUser(ctx context.Context, username string) (*api.UserInfo, error) {
	user, err := a.service.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return userInfo(user), nil
}

func (a *Adapter) ListUsers(ctx context.Context) ([]api.UserInfo, error) {
	users, err := a.service.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, *userInfo(u))
	}
	return out, nil
}

func (a *Adapter) DeleteUser(ctx context.Context, username string) error {
	return a.service.DeleteUser(ctx, username)
}

func (a *Adapter) SetPassword(ctx context.Context, username, password string) error {
	return a.service.SetPassword(ctx, username, password)
}

func (a *Adapter) SetUserDisabled(ctx context.Context, username string, disabled bool) error {
	return a.service.SetUserDisabled(ctx, username, disabled)
}

func (a *Adapter) AssignUserRoles(ctx context.Context, username string, roles []string) (*api.UserInfo, error) {
	user, err := a.service.AssignUserRoles(ctx, username, roles)
	if err != nil {
		return nil, err
	}
	return userInfo(user), nil
}

func (a *Adapter) AssignUserGroups(ctx context.Context, username string, groups []string) (*api.UserInfo, error) {
	user, err := a.service.AssignUserGroups(ctx, username, groups)
	if err != nil {
		return nil, err
	}
	return userInfo(user), nil
}

func (a *Adapter) CreateRole(ctx context.Context, name string, permissions []string) (*api.RoleInfo, error) {
	role, err := a.service.CreateRole(ctx, name, permissions)
	if err != nil {
		return nil, err
	}
	return roleInfo(role), nil
}

func (a *Adapter) ListRoles(ctx context.Context) ([]api.RoleInfo, error) {
	roles, err := a.service.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.RoleInfo, 0, len(roles))
	for _, r := range roles {
		out = append(out, *roleInfo(r))
	}
	return out, nil
}

func (a *Adapter) DeleteRole(ctx context.Context, name string) error {
	return a.service.DeleteRole(ctx, name)
}

func (a *Adapter) CreateGroup(ctx context.Context, name, externalClaim string, roles []string) (*api.GroupInfo, error) {
	group, err := a.service.CreateGroup(ctx, name, externalClaim, roles)
	if err != nil {
		return nil, err
	}
	return groupInfo(group), nil
}

func (a *Adapter) ListGroups(ctx context.Context) ([]api.GroupInfo, error) {
	groups, err := a.service.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, *groupInfo(g))
	}
	return out, nil
}

func (a *Adapter) DeleteGroup(ctx context.Context, name string) error {
	return a.service.DeleteGroup(ctx, name)
}

func (a *Adapter) Grant(ctx context.Context, entry api.ACLEntryInfo) error {
	return a.service.Grant(ctx, entry)
}

func (a *Adapter) Revoke(ctx context.Context, entry api.ACLEntryInfo) error {
	return a.service.Revoke(ctx, entry)
}

func (a *Adapter) GrantOwner(ctx context.Context, username, resourceType, resourceID string) error {
	return a.service.GrantOwner(ctx, username, resourceType, resourceID)
}

func (a *Adapter) ListGrants(ctx context.Context, resourceType, resourceID string) ([]api.ACLEntryInfo, error) {
	entries, err := a.service.ListGrants(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	out := make([]api.ACLEntryInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.ACLEntryInfo{
			Principal:     e.PrincipalID,
			PrincipalType: e.PrincipalType,
			ResourceType:  e.ResourceType,
			ResourceID:    e.ResourceID,
			Level:         e.Level,
		})
	}
	return out, nil
}

func (a *Adapter) IssueAccessToken(ctx context.Context, username, name string, ttlDays int) (*api.AccessTokenInfo, error) {
	record, token, err := a.service.IssueAccessToken(ctx, username, name, ttlDays)
	if err != nil {
		return nil, err
	}
	info := tokenInfo(record)
	info.Token = token
	return info, nil
}

func (a *Adapter) ListAccessTokens(ctx context.Context, username string) ([]api.AccessTokenInfo, error) {
	records, err := a.service.ListAccessTokens(ctx, username)
	if err != nil {
		return nil, err
	}
	out := make([]api.AccessTokenInfo, 0, len(records))
	for _, r := range records {
		out = append(out, *tokenInfo(r))
	}
	return out, nil
}

func (a *Adapter) RevokeAccessToken(ctx context.Context, id string) error {
	return a.service.RevokeAccessToken(ctx, id)
}

func (a *Adapter) OIDCEnabled() bool {
	return a.service.OIDCEnabled()
}

func (a *Adapter) BeginOIDCLogin(ctx context.Context, redirectURI string) (string, error) {
	return a.service.BeginOIDCLogin(ctx, redirectURI)
}

func (a *Adapter) CompleteOIDCLogin(ctx context.Context, state, code, redirectURI string) (*api.SessionInfo, error) {
	session, err := a.service.CompleteOIDCLogin(ctx, state, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return sessionInfo(session), nil
}

func sessionInfo(s *Session) *api.SessionInfo {
	return &api.SessionInfo{
		Token:     s.Token,
		Username:  s.Username,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt(),
	}
}

func identityInfo(u *store.User) *api.IdentityInfo {
	return &api.IdentityInfo{
		Username: u.Username,
		Roles:    append([]string(nil), u.Roles...),
		Groups:   append([]string(nil), u.Groups...),
	}
}

func userInfo(u *store.User) *api.UserInfo {
	return &api.UserInfo{
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Roles:       append([]string(nil), u.Roles...),
		Groups:      append([]string(nil), u.Groups...),
		External:    u.ExternalSubject != "",
		Disabled:    u.Disabled,
		CreatedAt:   u.CreatedAt,
	}
}

func roleInfo(r *store.Role) *api.RoleInfo {
	return &api.RoleInfo{
		Name:        r.Name,
		Permissions: append([]string(nil), r.Permissions...),
	}
}

func groupInfo(g *store.Group) *api.GroupInfo {
	return &api.GroupInfo{
		Name:          g.Name,
		ExternalClaim: g.ExternalClaim,
		Roles:         append([]string(nil), g.Roles...),
	}
}

func tokenInfo(t *store.AccessToken) *api.AccessTokenInfo {
	return &api.AccessTokenInfo{
		ID:        t.ID,
		Username:  t.Username,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		LastUsed:  t.LastUsed,
	}
}
