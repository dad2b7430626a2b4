package server

import (
	"net/http"
	"strings"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/auth"
	"github.com/opendsc/opendsc/internal/store"
)

func setSessionCookie(w http.ResponseWriter, r *http.Request, session *api.SessionInfo) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := api.GetAuthManager().Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	setSessionCookie(w, r, session)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := api.GetAuthManager().Logout(r.Context(), cookie.Value); err != nil {
			writeError(w, err)
			return
		}
	}
	clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, identityFrom(r.Context()))
}

// oidcRedirectURI is the callback this server registers with the provider,
// derived from the incoming request so it survives reverse proxies that
// preserve Host.
func oidcRedirectURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/api/v1/auth/oidc/callback"
}

func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := api.GetAuthManager().BeginOIDCLogin(r.Context(), oidcRedirectURI(r))
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, api.NewValidationError("state and code query parameters are required"))
		return
	}
	session, err := api.GetAuthManager().CompleteOIDCLogin(r.Context(), state, code, oidcRedirectURI(r))
	if err != nil {
		writeError(w, err)
		return
	}
	setSessionCookie(w, r, session)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string   `json:"username"`
		DisplayName string   `json:"displayName"`
		Email       string   `json:"email"`
		Password    string   `json:"password"`
		Roles       []string `json:"roles"`
		Groups      []string `json:"groups"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := api.GetAuthManager().CreateUser(r.Context(), api.CreateUserRequest{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
		Roles:       req.Roles,
		Groups:      req.Groups,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := api.GetAuthManager().ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if err := s.requireSelfOrUserAdmin(r, username); err != nil {
		writeError(w, err)
		return
	}
	user, err := api.GetAuthManager().GetUser(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := api.GetAuthManager().DeleteUser(r.Context(), r.PathValue("username")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if err := s.requireSelfOrUserAdmin(r, username); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetAuthManager().SetPassword(r.Context(), username, req.Password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDisabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetAuthManager().SetUserDisabled(r.Context(), r.PathValue("username"), req.Disabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Roles []string `json:"roles"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := api.GetAuthManager().AssignUserRoles(r.Context(), r.PathValue("username"), req.Roles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAssignGroups(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Groups []string `json:"groups"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := api.GetAuthManager().AssignUserGroups(r.Context(), r.PathValue("username"), req.Groups)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if err := s.requireSelfOrUserAdmin(r, username); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name    string `json:"name"`
		TTLDays int    `json:"ttlDays"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := api.GetAuthManager().IssueAccessToken(r.Context(), username, req.Name, req.TTLDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if err := s.requireSelfOrUserAdmin(r, username); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := api.GetAuthManager().ListAccessTokens(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	authMgr := api.GetAuthManager()
	id := r.PathValue("id")

	// Operators may always revoke their own tokens; anyone else's need
	// users.manage.
	identity := identityFrom(r.Context())
	own, err := authMgr.ListAccessTokens(r.Context(), identity.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	mine := false
	for _, t := range own {
		if t.ID == id {
			mine = true
			break
		}
	}
	if !mine {
		if err := authMgr.CheckPermission(r.Context(), identity.Username, auth.PermissionUsersManage); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := authMgr.RevokeAccessToken(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role, err := api.GetAuthManager().CreateRole(r.Context(), req.Name, req.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := api.GetAuthManager().ListRoles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := api.GetAuthManager().DeleteRole(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string   `json:"name"`
		ExternalClaim string   `json:"externalClaim"`
		Roles         []string `json:"roles"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	group, err := api.GetAuthManager().CreateGroup(r.Context(), req.Name, req.ExternalClaim, req.Roles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := api.GetAuthManager().ListGroups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := api.GetAuthManager().DeleteGroup(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireACLAdmin allows users.manage holders, or operators holding Manage on
// the resource the entry targets.
func (s *Server) requireACLAdmin(r *http.Request, resourceType, resourceID string) error {
	authMgr := api.GetAuthManager()
	identity := identityFrom(r.Context())
	if err := authMgr.CheckPermission(r.Context(), identity.Username, auth.PermissionUsersManage); err == nil {
		return nil
	} else if !api.IsForbidden(err) {
		return err
	}
	if resourceType == "" || resourceID == "" {
		return api.NewForbiddenError(auth.PermissionUsersManage)
	}
	return authMgr.CheckResourceAccess(r.Context(), identity.Username, resourceType, resourceID, store.LevelManage)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var entry api.ACLEntryInfo
	if err := decodeJSON(r, &entry); err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireACLAdmin(r, entry.ResourceType, entry.ResourceID); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetAuthManager().Grant(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var entry api.ACLEntryInfo
	if err := decodeJSON(r, &entry); err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireACLAdmin(r, entry.ResourceType, entry.ResourceID); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetAuthManager().Revoke(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	resourceType := strings.TrimSpace(r.URL.Query().Get("resourceType"))
	resourceID := strings.TrimSpace(r.URL.Query().Get("resourceId"))
	if err := s.requireACLAdmin(r, resourceType, resourceID); err != nil {
		writeError(w, err)
		return
	}
	grants, err := api.GetAuthManager().ListGrants(r.Context(), resourceType, resourceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}
