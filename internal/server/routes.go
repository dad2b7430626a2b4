package server

import (
	"net/http"

	"github.com/opendsc/opendsc/internal/auth"
)

// routes builds the full /api/v1 route table. Node endpoints authenticate by
// client certificate; operator endpoints by session cookie or access token.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.handler())

	// Session and identity.
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/auth/identity", s.operator("", s.handleIdentity))
	mux.HandleFunc("GET /api/v1/auth/oidc/login", s.handleOIDCLogin)
	mux.HandleFunc("GET /api/v1/auth/oidc/callback", s.handleOIDCCallback)

	// Account administration.
	mux.HandleFunc("POST /api/v1/users", s.operator(auth.PermissionUsersManage, s.handleCreateUser))
	mux.HandleFunc("GET /api/v1/users", s.operator(auth.PermissionUsersManage, s.handleListUsers))
	mux.HandleFunc("GET /api/v1/users/{username}", s.operator("", s.handleGetUser))
	mux.HandleFunc("DELETE /api/v1/users/{username}", s.operator(auth.PermissionUsersManage, s.handleDeleteUser))
	mux.HandleFunc("PUT /api/v1/users/{username}/password", s.operator("", s.handleSetPassword))
	mux.HandleFunc("PUT /api/v1/users/{username}/disabled", s.operator(auth.PermissionUsersManage, s.handleSetDisabled))
	mux.HandleFunc("PUT /api/v1/users/{username}/roles", s.operator(auth.PermissionUsersManage, s.handleAssignRoles))
	mux.HandleFunc("PUT /api/v1/users/{username}/groups", s.operator(auth.PermissionUsersManage, s.handleAssignGroups))
	mux.HandleFunc("POST /api/v1/users/{username}/tokens", s.operator("", s.handleIssueToken))
	mux.HandleFunc("GET /api/v1/users/{username}/tokens", s.operator("", s.handleListTokens))
	mux.HandleFunc("DELETE /api/v1/tokens/{id}", s.operator("", s.handleRevokeToken))
	mux.HandleFunc("POST /api/v1/roles", s.operator(auth.PermissionUsersManage, s.handleCreateRole))
	mux.HandleFunc("GET /api/v1/roles", s.operator(auth.PermissionUsersManage, s.handleListRoles))
	mux.HandleFunc("DELETE /api/v1/roles/{name}", s.operator(auth.PermissionUsersManage, s.handleDeleteRole))
	mux.HandleFunc("POST /api/v1/groups", s.operator(auth.PermissionUsersManage, s.handleCreateGroup))
	mux.HandleFunc("GET /api/v1/groups", s.operator(auth.PermissionUsersManage, s.handleListGroups))
	mux.HandleFunc("DELETE /api/v1/groups/{name}", s.operator(auth.PermissionUsersManage, s.handleDeleteGroup))
	mux.HandleFunc("POST /api/v1/acl", s.operator("", s.handleGrant))
	mux.HandleFunc("DELETE /api/v1/acl", s.operator("", s.handleRevoke))
	mux.HandleFunc("GET /api/v1/acl", s.operator("", s.handleListGrants))

	// Configurations.
	mux.HandleFunc("POST /api/v1/configurations", s.operator(auth.PermissionConfigurationsCreate, s.handleCreateConfiguration))
	mux.HandleFunc("GET /api/v1/configurations", s.operator("", s.handleListConfigurations))
	mux.HandleFunc("GET /api/v1/configurations/{name}", s.operator("", s.handleGetConfiguration))
	mux.HandleFunc("DELETE /api/v1/configurations/{name}", s.operator("", s.handleDeleteConfiguration))
	mux.HandleFunc("GET /api/v1/configurations/{name}/versions", s.operator("", s.handleListVersions))
	mux.HandleFunc("POST /api/v1/configurations/{name}/versions", s.operator("", s.handleUploadVersion))
	mux.HandleFunc("PUT /api/v1/configurations/{name}/versions/{version}/publish", s.operator("", s.handlePublishVersion))
	mux.HandleFunc("PUT /api/v1/configurations/{name}/versions/{version}/archive", s.operator("", s.handleArchiveVersion))
	mux.HandleFunc("DELETE /api/v1/configurations/{name}/versions/{version}", s.operator("", s.handleDeleteVersion))
	mux.HandleFunc("GET /api/v1/configurations/{name}/versions/{version}/files/{path...}", s.operator("", s.handleGetVersionFile))

	// Composite configurations.
	mux.HandleFunc("POST /api/v1/composite-configurations", s.operator(auth.PermissionCompositesCreate, s.handleCreateComposite))
	mux.HandleFunc("GET /api/v1/composite-configurations", s.operator("", s.handleListComposites))
	mux.HandleFunc("GET /api/v1/composite-configurations/{name}", s.operator("", s.handleGetComposite))
	mux.HandleFunc("DELETE /api/v1/composite-configurations/{name}", s.operator("", s.handleDeleteComposite))
	mux.HandleFunc("POST /api/v1/composite-configurations/{name}/versions", s.operator("", s.handleUploadCompositeVersion))
	mux.HandleFunc("PUT /api/v1/composite-configurations/{name}/versions/{version}/publish", s.operator("", s.handlePublishCompositeVersion))
	mux.HandleFunc("PUT /api/v1/composite-configurations/{name}/versions/{version}/archive", s.operator("", s.handleArchiveCompositeVersion))
	mux.HandleFunc("DELETE /api/v1/composite-configurations/{name}/versions/{version}", s.operator("", s.handleDeleteCompositeVersion))

	// Scope metadata.
	mux.HandleFunc("GET /api/v1/scope-types", s.operator("", s.handleListScopeTypes))
	mux.HandleFunc("GET /api/v1/scope-types/{id}", s.operator("", s.handleGetScopeType))
	mux.HandleFunc("POST /api/v1/scope-types", s.operator(auth.PermissionScopesManage, s.handleCreateScopeType))
	mux.HandleFunc("PUT /api/v1/scope-types/order", s.operator(auth.PermissionScopesManage, s.handleReorderScopeTypes))
	mux.HandleFunc("PUT /api/v1/scope-types/{id}", s.operator(auth.PermissionScopesManage, s.handleUpdateScopeType))
	mux.HandleFunc("DELETE /api/v1/scope-types/{id}", s.operator(auth.PermissionScopesManage, s.handleDeleteScopeType))
	mux.HandleFunc("POST /api/v1/scope-types/{id}/values", s.operator(auth.PermissionScopesManage, s.handleAddScopeValue))
	mux.HandleFunc("DELETE /api/v1/scope-types/{id}/values/{value}", s.operator(auth.PermissionScopesManage, s.handleDeleteScopeValue))

	// Parameter documents.
	mux.HandleFunc("GET /api/v1/parameters/{config}", s.operator("", s.handleListParameters))
	mux.HandleFunc("POST /api/v1/parameters/{scopeType}/{config}", s.operator("", s.handleUploadParameters))
	mux.HandleFunc("PUT /api/v1/parameters/{scopeType}/{config}/versions/{version}/activate", s.operator("", s.handleActivateParameters))
	mux.HandleFunc("DELETE /api/v1/parameters/{scopeType}/{config}/versions/{version}", s.operator("", s.handleDeleteParameters))
	mux.HandleFunc("GET /api/v1/parameters/{scopeType}/{config}/provenance", s.operator("", s.handleProvenance))
	mux.HandleFunc("GET /api/v1/schemas/{hash}", s.operator("", s.handleGetSchema))

	// Node administration.
	mux.HandleFunc("GET /api/v1/nodes", s.operator(auth.PermissionNodesRead, s.handleListNodes))
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.operator(auth.PermissionNodesRead, s.handleGetNode))
	mux.HandleFunc("GET /api/v1/nodes/{id}/reports", s.operator(auth.PermissionNodesRead, s.handleListReports))
	mux.HandleFunc("GET /api/v1/nodes/{id}/parameters", s.operator(auth.PermissionNodesRead, s.handleNodeParameters))
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", s.operator(auth.PermissionNodesManage, s.handleDeleteNode))
	mux.HandleFunc("POST /api/v1/nodes/{id}/tags", s.operator(auth.PermissionNodesManage, s.handleTagNode))
	mux.HandleFunc("DELETE /api/v1/nodes/{id}/tags/{scopeType}/{value}", s.operator(auth.PermissionNodesManage, s.handleUntagNode))
	mux.HandleFunc("PUT /api/v1/nodes/{id}/assignment", s.operator(auth.PermissionNodesManage, s.handleAssignNode))
	mux.HandleFunc("POST /api/v1/registration-keys", s.operator(auth.PermissionKeysManage, s.handleIssueRegistrationKey))
	mux.HandleFunc("GET /api/v1/registration-keys", s.operator(auth.PermissionKeysManage, s.handleListRegistrationKeys))
	mux.HandleFunc("DELETE /api/v1/registration-keys/{id}", s.operator(auth.PermissionKeysManage, s.handleRevokeRegistrationKey))

	// Node-facing surface, authenticated by client certificate.
	mux.HandleFunc("POST /api/v1/nodes/register", s.handleRegisterNode)
	mux.HandleFunc("POST /api/v1/nodes/{id}/rotate-certificate", s.node(s.handleRotateCertificate))
	mux.HandleFunc("GET /api/v1/nodes/{id}/configuration/checksum", s.node(s.handleBundleChecksum))
	mux.HandleFunc("GET /api/v1/nodes/{id}/configuration", s.node(s.handleBundle))
	mux.HandleFunc("POST /api/v1/nodes/{id}/reports", s.node(s.handleSubmitReport))

	// Retention.
	mux.HandleFunc("POST /api/v1/retention/configurations/cleanup", s.operator(auth.PermissionRetentionRun, s.handleRetentionConfigurations))
	mux.HandleFunc("POST /api/v1/retention/parameters/cleanup", s.operator(auth.PermissionRetentionRun, s.handleRetentionParameters))

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
