// Package auth implements operator accounts and the two-tier authorization
// model: global permissions granted through roles, and per-resource ACLs
// covering configurations, composites and parameter documents. It also owns
// interactive sessions, personal access tokens and the optional identity
// provider login.
package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Well-known global permission strings. Roles may also carry "*", which
// grants every global permission.
const (
	PermissionWildcard = "*"

	PermissionConfigurationsCreate = "configurations.create"
	PermissionConfigurationsAdmin  = "configurations.admin-override"
	PermissionCompositesCreate     = "composites.create"
	PermissionParametersAdmin      = "parameters.admin-override"
	PermissionScopesManage         = "scopes.manage"
	PermissionNodesRead            = "nodes.read"
	PermissionNodesManage          = "nodes.manage"
	PermissionKeysManage           = "registration-keys.manage"
	PermissionRetentionRun         = "retention.run"
	PermissionUsersManage          = "users.manage"
)

// AdminRoleName is the role seeded for the initial administrator.
const AdminRoleName = "admin"

// Service implements account management, authentication and the
// authorization decision procedure.
type Service struct {
	store    store.Store
	hasher   PasswordHasher
	sessions *SessionStore
	oidc     *oidcClient

	touchMu   sync.Mutex
	lastTouch map[string]time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHasher replaces the password hashing scheme.
func WithHasher(h PasswordHasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithOIDC enables identity provider login.
func WithOIDC(cfg OIDCConfig) Option {
	return func(s *Service) { s.oidc = newOIDCClient(cfg) }
}

// NewService creates the auth service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		hasher:    BcryptHasher{},
		sessions:  NewSessionStore(),
		lastTouch: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops the background session sweep.
func (s *Service) Close() {
	s.sessions.Stop()
}

// EnsureAdmin seeds the admin role and an initial administrator account on
// an empty store. Deployments that already have users are left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	hasUsers := false
	err := s.store.View(func(tx store.ReadTx) error {
		hasUsers = len(tx.Users()) > 0
		return nil
	})
	if err != nil {
		return err
	}
	if hasUsers {
		return nil
	}
	if err := store.ValidateName("username", username); err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.store.Update(func(tx store.WriteTx) error {
		if len(tx.Users()) > 0 {
			return nil
		}
		if tx.Role(AdminRoleName) == nil {
			tx.SaveRole(&store.Role{
				ID:          uuid.New().String(),
				Name:        AdminRoleName,
				Permissions: []string{PermissionWildcard},
				CreatedAt:   time.Now().UTC(),
			})
		}
		tx.SaveUser(&store.User{
			ID:           uuid.New().String(),
			Username:     username,
			PasswordHash: hash,
			Roles:        []string{AdminRoleName},
			CreatedAt:    time.Now().UTC(),
		})
		logging.Info("Auth", "Created initial administrator %q", username)
		return nil
	})
}

// Login verifies a password and opens a session. Every failure mode returns
// the same error so accounts cannot be enumerated; the audit trail carries
// the actual reason.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	var user *store.User
	err := s.store.View(func(tx store.ReadTx) error {
		user = tx.User(username)
		return nil
	})
	if err != nil {
		return nil, err
	}

	denied := func(detail string) error {
		logging.Audit(logging.AuditEvent{Action: "session_login", Outcome: "failure", Principal: username, Detail: detail})
		return api.NewUnauthorizedError("invalid credentials")
	}
	switch {
	case user == nil:
		return nil, denied("unknown user")
	case user.Disabled:
		return nil, denied("account disabled")
	case user.PasswordHash == "":
		return nil, denied("no local password")
	}
	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		return nil, denied("wrong password")
	}

	session, err := s.sessions.Create(username)
	if err != nil {
		return nil, err
	}
	logging.Audit(logging.AuditEvent{Action: "session_login", Outcome: "success", Principal: username})
	return session, nil
}

// Logout drops a session. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if session := s.sessions.Resolve(token); session != nil {
		logging.Audit(logging.AuditEvent{Action: "session_logout", Outcome: "success", Principal: session.Username})
	}
	s.sessions.Delete(token)
	return nil
}

// ResolveSession authenticates a session token, sliding its idle window,
// and returns the owning account.
func (s *Service) ResolveSession(ctx context.Context, token string) (*store.User, error) {
	session := s.sessions.Resolve(token)
	if session == nil {
		return nil, api.NewUnauthorizedError("session expired or unknown")
	}
	var user *store.User
	err := s.store.View(func(tx store.ReadTx) error {
		u, err := activeUser(tx, session.Username)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		s.sessions.Delete(token)
		return nil, err
	}
	return user, nil
}

// CheckPermission tests a global permission against the user's role-derived
// permission set, the union of roles granted directly and through groups.
func (s *Service) CheckPermission(ctx context.Context, username, permission string) error {
	return s.store.View(func(tx store.ReadTx) error {
		user, err := activeUser(tx, username)
		if err != nil {
			return err
		}
		perms := permissionsOf(tx, user)
		if perms.Has(PermissionWildcard) || perms.Has(permission) {
			return nil
		}
		return api.NewForbiddenError(permission)
	})
}

// Access level ranking, lowest to highest.
var levelRank = map[string]int{
	store.LevelRead:   1,
	store.LevelModify: 2,
	store.LevelManage: 3,
}

// CheckResourceAccess decides a resource-scoped action: the matching
// admin-override permission allows outright, otherwise an ACL row for the
// user or one of its groups must grant at least the required level.
func (s *Service) CheckResourceAccess(ctx context.Context, username, resourceType, resourceID, level string) error {
	required, ok := levelRank[level]
	if !ok {
		return api.NewFieldValidationError("level", "%q is not one of Read, Modify, Manage", level)
	}
	override, err := overridePermission(resourceType)
	if err != nil {
		return err
	}
	return s.store.View(func(tx store.ReadTx) error {
		user, err := activeUser(tx, username)
		if err != nil {
			return err
		}
		perms := permissionsOf(tx, user)
		if perms.Has(PermissionWildcard) || perms.Has(override) {
			return nil
		}
		groups := sets.New(user.Groups...)
		for _, entry := range tx.ACL().Entries {
			if entry.ResourceType != resourceType || entry.ResourceID != resourceID {
				continue
			}
			switch entry.PrincipalType {
			case store.PrincipalUser:
				if entry.PrincipalID != username {
					continue
				}
			case store.PrincipalGroup:
				if !groups.Has(entry.PrincipalID) {
					continue
				}
			default:
				continue
			}
			if levelRank[entry.Level] >= required {
				return nil
			}
		}
		return api.NewForbiddenError(fmt.Sprintf("%s %s on %s", strings.ToLower(level), resourceType, resourceID))
	})
}

// CreateUser creates an operator account. Password may be empty for
// accounts that only sign in through the identity provider.
func (s *Service) CreateUser(ctx context.Context, req api.CreateUserRequest) (*store.User, error) {
	if err := store.ValidateName("username", req.Username); err != nil {
		return nil, err
	}
	var hash string
	if req.Password != "" {
		if err := validatePassword(req.Password); err != nil {
			return nil, err
		}
		h, err := s.hasher.Hash(req.Password)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		hash = h
	}

	var created *store.User
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.User(req.Username) != nil {
			return api.NewConflictError("user %q already exists", req.Username)
		}
		if err := rolesExist(tx, req.Roles); err != nil {
			return err
		}
		if err := groupsExist(tx, req.Groups); err != nil {
			return err
		}
		created = &store.User{
			ID:           uuid.New().String(),
			Username:     req.Username,
			DisplayName:  req.DisplayName,
			Email:        req.Email,
			PasswordHash: hash,
			Roles:        append([]string(nil), req.Roles...),
			Groups:       append([]string(nil), req.Groups...),
			CreatedAt:    time.Now().UTC(),
		}
		tx.SaveUser(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Auth", "Created user %q", req.Username)
	return created, nil
}

// GetUser returns one account.
func (s *Service) GetUser(ctx context.Context, username string) (*store.User, error) {
	var user *store.User
	err := s.store.View(func(tx store.ReadTx) error {
		user = tx.User(username)
		if user == nil {
			return api.NewNotFoundError("user", username)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns all accounts sorted by username.
func (s *Service) ListUsers(ctx context.Context) ([]*store.User, error) {
	var users []*store.User
	err := s.store.View(func(tx store.ReadTx) error {
		users = tx.Users()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// DeleteUser removes an account together with its access tokens, ACL rows
// and live sessions.
func (s *Service) DeleteUser(ctx context.Context, username string) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.User(username) == nil {
			return api.NewNotFoundError("user", username)
		}
		for _, token := range tx.AccessTokens() {
			if token.Username == username {
				tx.DeleteAccessToken(token.ID)
			}
		}
		dropPrincipalRows(tx, store.PrincipalUser, username)
		tx.DeleteUser(username)
		return nil
	})
	if err != nil {
		return err
	}
	s.sessions.DeleteForUser(username)
	logging.Info("Auth", "Deleted user %q", username)
	return nil
}

// SetPassword replaces the account's password.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	err = s.store.Update(func(tx store.WriteTx) error {
		user := tx.User(username)
		if user == nil {
			return api.NewNotFoundError("user", username)
		}
		clone := user.Clone()
		clone.PasswordHash = hash
		tx.SaveUser(clone)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Audit(logging.AuditEvent{Action: "password_change", Outcome: "success", Principal: username})
	return nil
}

// SetUserDisabled toggles the account. Disabling also drops the account's
// live sessions.
func (s *Service) SetUserDisabled(ctx context.Context, username string, disabled bool) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		user := tx.User(username)
		if user == nil {
			return api.NewNotFoundError("user", username)
		}
		clone := user.Clone()
		clone.Disabled = disabled
		tx.SaveUser(clone)
		return nil
	})
	if err != nil {
		return err
	}
	if disabled {
		s.sessions.DeleteForUser(username)
	}
	logging.Info("Auth", "Set user %q disabled=%v", username, disabled)
	return nil
}

// AssignUserRoles replaces the account's direct role list.
func (s *Service) AssignUserRoles(ctx context.Context, username string, roles []string) (*store.User, error) {
	return s.updateUser(username, func(tx store.WriteTx, user *store.User) error {
		if err := rolesExist(tx, roles); err != nil {
			return err
		}
		user.Roles = append([]string(nil), roles...)
		return nil
	})
}

// AssignUserGroups replaces the account's group memberships.
func (s *Service) AssignUserGroups(ctx context.Context, username string, groups []string) (*store.User, error) {
	return s.updateUser(username, func(tx store.WriteTx, user *store.User) error {
		if err := groupsExist(tx, groups); err != nil {
			return err
		}
		user.Groups = append([]string(nil), groups...)
		return nil
	})
}

func (s *Service) updateUser(username string, mutate func(tx store.WriteTx, user *store.User) error) (*store.User, error) {
	var updated *store.User
	err := s.store.Update(func(tx store.WriteTx) error {
		user := tx.User(username)
		if user == nil {
			return api.NewNotFoundError("user", username)
		}
		clone := user.Clone()
		if err := mutate(tx, clone); err != nil {
			return err
		}
		tx.SaveUser(clone)
		updated = clone
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateRole creates a named set of global permissions.
func (s *Service) CreateRole(ctx context.Context, name string, permissions []string) (*store.Role, error) {
	if err := store.ValidateName("role", name); err != nil {
		return nil, err
	}
	if len(permissions) == 0 {
		return nil, api.NewFieldValidationError("permissions", "must not be empty")
	}
	for _, p := range permissions {
		if strings.TrimSpace(p) == "" {
			return nil, api.NewFieldValidationError("permissions", "must not contain empty entries")
		}
	}
	created := &store.Role{
		ID:          uuid.New().String(),
		Name:        name,
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   time.Now().UTC(),
	}
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.Role(name) != nil {
			return api.NewConflictError("role %q already exists", name)
		}
		tx.SaveRole(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Auth", "Created role %q", name)
	return created, nil
}

// ListRoles returns all roles sorted by name.
func (s *Service) ListRoles(ctx context.Context) ([]*store.Role, error) {
	var roles []*store.Role
	err := s.store.View(func(tx store.ReadTx) error {
		roles = tx.Roles()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// DeleteRole removes a role. Roles still assigned to a user or group are
// protected so permissions never change silently.
func (s *Service) DeleteRole(ctx context.Context, name string) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.Role(name) == nil {
			return api.NewNotFoundError("role", name)
		}
		for _, user := range tx.Users() {
			if slices.Contains(user.Roles, name) {
				return api.NewConflictError("role %q is still assigned to user %q", name, user.Username)
			}
		}
		for _, group := range tx.Groups() {
			if slices.Contains(group.Roles, name) {
				return api.NewConflictError("role %q is still assigned to group %q", name, group.Name)
			}
		}
		tx.DeleteRole(name)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info("Auth", "Deleted role %q", name)
	return nil
}

// CreateGroup creates a group. A non-empty externalClaim maps the group
// onto the identity provider group claim of that value.
func (s *Service) CreateGroup(ctx context.Context, name, externalClaim string, roles []string) (*store.Group, error) {
	if err := store.ValidateName("group", name); err != nil {
		return nil, err
	}
	created := &store.Group{
		ID:            uuid.New().String(),
		Name:          name,
		ExternalClaim: externalClaim,
		Roles:         append([]string(nil), roles...),
		CreatedAt:     time.Now().UTC(),
	}
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.Group(name) != nil {
			return api.NewConflictError("group %q already exists", name)
		}
		if externalClaim != "" {
			for _, other := range tx.Groups() {
				if other.ExternalClaim == externalClaim {
					return api.NewConflictError("claim %q is already mapped to group %q", externalClaim, other.Name)
				}
			}
		}
		if err := rolesExist(tx, roles); err != nil {
			return err
		}
		tx.SaveGroup(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Auth", "Created group %q", name)
	return created, nil
}

// ListGroups returns all groups sorted by name.
func (s *Service) ListGroups(ctx context.Context) ([]*store.Group, error) {
	var groups []*store.Group
	err := s.store.View(func(tx store.ReadTx) error {
		groups = tx.Groups()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// DeleteGroup removes a group, its memberships and its ACL rows. Unlike
// roles, membership lists are cleaned up in the same transaction: for
// externally mapped groups the membership is rewritten on every provider
// login anyway.
func (s *Service) DeleteGroup(ctx context.Context, name string) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.Group(name) == nil {
			return api.NewNotFoundError("group", name)
		}
		for _, user := range tx.Users() {
			if !slices.Contains(user.Groups, name) {
				continue
			}
			clone := user.Clone()
			clone.Groups = slices.DeleteFunc(clone.Groups, func(g string) bool { return g == name })
			tx.SaveUser(clone)
		}
		dropPrincipalRows(tx, store.PrincipalGroup, name)
		tx.DeleteGroup(name)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info("Auth", "Deleted group %q", name)
	return nil
}

// activeUser resolves username to an enabled account. Unknown and disabled
// accounts are indistinguishable to the caller.
func activeUser(tx store.ReadTx, username string) (*store.User, error) {
	user := tx.User(username)
	if user == nil || user.Disabled {
		return nil, api.NewUnauthorizedError("unknown or disabled user")
	}
	return user, nil
}

// permissionsOf returns the user's effective global permission set: the
// union of role permissions granted directly and through groups. Dangling
// role references are skipped.
func permissionsOf(tx store.ReadTx, user *store.User) sets.Set[string] {
	perms := sets.New[string]()
	addRole := func(name string) {
		if role := tx.Role(name); role != nil {
			perms.Insert(role.Permissions...)
		}
	}
	for _, name := range user.Roles {
		addRole(name)
	}
	for _, name := range user.Groups {
		if group := tx.Group(name); group != nil {
			for _, roleName := range group.Roles {
				addRole(roleName)
			}
		}
	}
	return perms
}

func overridePermission(resourceType string) (string, error) {
	switch resourceType {
	case store.ResourceConfiguration, store.ResourceComposite:
		return PermissionConfigurationsAdmin, nil
	case store.ResourceParameter:
		return PermissionParametersAdmin, nil
	default:
		return "", api.NewFieldValidationError("resourceType", "%q is not a known resource type", resourceType)
	}
}

func rolesExist(tx store.ReadTx, names []string) error {
	for _, name := range names {
		if tx.Role(name) == nil {
			return api.NewNotFoundError("role", name)
		}
	}
	return nil
}

func groupsExist(tx store.ReadTx, names []string) error {
	for _, name := range names {
		if tx.Group(name) == nil {
			return api.NewNotFoundError("group", name)
		}
	}
	return nil
}

