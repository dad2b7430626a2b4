package api

import (
	"context"
	"io"
	"sync"
)

// ConfigurationManagerHandler manages configurations and their versions.
type ConfigurationManagerHandler interface {
	CreateConfiguration(ctx context.Context, req CreateConfigurationRequest) (*ConfigurationInfo, error)
	UploadVersion(ctx context.Context, req UploadVersionRequest) (*VersionInfo, error)
	PublishVersion(ctx context.Context, name, version string) (*VersionInfo, error)
	ArchiveVersion(ctx context.Context, name, version string) (*VersionInfo, error)
	DeleteVersion(ctx context.Context, name, version string) error
	DeleteConfiguration(ctx context.Context, name string) error
	GetConfiguration(ctx context.Context, name string) (*ConfigurationInfo, error)
	ListConfigurations(ctx context.Context) ([]ConfigurationInfo, error)
	GetVersionFile(ctx context.Context, name, version, path string) ([]byte, error)
}

// CompositeManagerHandler manages composite configurations.
type CompositeManagerHandler interface {
	CreateComposite(ctx context.Context, req CreateCompositeRequest) (*CompositeInfo, error)
	UploadCompositeVersion(ctx context.Context, req UploadCompositeVersionRequest) (*CompositeVersionInfo, error)
	PublishCompositeVersion(ctx context.Context, name, version string) (*CompositeVersionInfo, error)
	ArchiveCompositeVersion(ctx context.Context, name, version string) (*CompositeVersionInfo, error)
	DeleteCompositeVersion(ctx context.Context, name, version string) error
	DeleteComposite(ctx context.Context, name string) error
	GetComposite(ctx context.Context, name string) (*CompositeInfo, error)
	ListComposites(ctx context.Context) ([]CompositeInfo, error)
}

// ScopeManagerHandler manages scope types and their values.
type ScopeManagerHandler interface {
	CreateScopeType(ctx context.Context, name string, precedence int, allowsValues bool) (*ScopeTypeInfo, error)
	UpdateScopeType(ctx context.Context, id, name string, precedence int) (*ScopeTypeInfo, error)
	ReorderScopeTypes(ctx context.Context, precedences map[string]int) error
	DeleteScopeType(ctx context.Context, id string) error
	GetScopeType(ctx context.Context, id string) (*ScopeTypeInfo, error)
	ListScopeTypes(ctx context.Context) ([]ScopeTypeInfo, error)
	AddScopeValue(ctx context.Context, typeID, value string) error
	DeleteScopeValue(ctx context.Context, typeID, value string) error
}

// NodeManagerHandler manages node identity, assignment, bundles and reports.
type NodeManagerHandler interface {
	RegisterNode(ctx context.Context, req RegisterNodeRequest) (*NodeInfo, error)
	RotateCertificate(ctx context.Context, nodeID string, update CertificateUpdate) error
	LookupByFingerprint(ctx context.Context, fingerprint string) (*NodeInfo, error)
	TouchLastSeen(ctx context.Context, nodeID string)
	GetNode(ctx context.Context, nodeID string) (*NodeInfo, error)
	ListNodes(ctx context.Context) ([]NodeInfo, error)
	DeleteNode(ctx context.Context, nodeID string) error
	TagNode(ctx context.Context, nodeID, scopeType, scopeValue string) error
	UntagNode(ctx context.Context, nodeID, scopeType, scopeValue string) error
	AssignConfiguration(ctx context.Context, nodeID string, assignment NodeConfigurationInfo) error
	ConfigurationChecksum(ctx context.Context, nodeID string) (string, error)
	// BundleStat resolves the node's bundle without building it. Only the
	// manifest checksum, entry point and version are populated.
	BundleStat(ctx context.Context, nodeID string) (*BundleInfo, error)
	StreamBundle(ctx context.Context, nodeID string, w io.Writer) (*BundleInfo, error)
	SubmitReport(ctx context.Context, nodeID string, report ReportSubmission) (*ReportInfo, error)
	ListReports(ctx context.Context, nodeID string, limit int) ([]ReportInfo, error)
	IssueRegistrationKey(ctx context.Context, createdBy string, ttlDays int, maxUses *int) (*RegistrationKeyInfo, error)
	ListRegistrationKeys(ctx context.Context) ([]RegistrationKeyInfo, error)
	RevokeRegistrationKey(ctx context.Context, id string) error
}

// ParameterManagerHandler manages parameter documents and merge diagnostics.
type ParameterManagerHandler interface {
	UploadParameters(ctx context.Context, req UploadParameterRequest) (*ParameterFileInfo, error)
	ActivateParameters(ctx context.Context, configID, scopeTypeID, scopeValue, version string) (*ParameterFileInfo, error)
	ListParameters(ctx context.Context, configID string) ([]ParameterFileInfo, error)
	DeleteParameters(ctx context.Context, configID, scopeTypeID, scopeValue, version string) error
	GetSchema(ctx context.Context, hash string) ([]byte, error)
	ScopeMergePreview(ctx context.Context, configID, scopeTypeID, scopeValue string) (*MergeDiagnostics, error)
	// NodeEffectiveParameters merges the node's full scope chain for one
	// configuration. With configuration empty the node's assignment is
	// used; nodes assigned a composite must name the child configuration.
	NodeEffectiveParameters(ctx context.Context, nodeID, configuration string) (*MergeDiagnostics, error)
}

// RetentionManagerHandler runs retention over stored versions.
type RetentionManagerHandler interface {
	CleanupConfigurations(ctx context.Context, req RetentionRequest) (*RetentionReport, error)
	CleanupParameters(ctx context.Context, req RetentionRequest) (*RetentionReport, error)
}

// AuthManagerHandler authenticates operators and answers authorization
// decisions.
type AuthManagerHandler interface {
	Login(ctx context.Context, username, password string) (*SessionInfo, error)
	Logout(ctx context.Context, token string) error
	ResolveSession(ctx context.Context, token string) (*IdentityInfo, error)
	ResolveAccessToken(ctx context.Context, token string) (*IdentityInfo, error)

	CheckPermission(ctx context.Context, username, permission string) error
	CheckResourceAccess(ctx context.Context, username, resourceType, resourceID, level string) error

	CreateUser(ctx context.Context, req CreateUserRequest) (*UserInfo, error)
	GetUser(ctx context.Context, username string) (*UserInfo, error)
	ListUsers(ctx context.Context) ([]UserInfo, error)
	DeleteUser(ctx context.Context, username string) error
	SetPassword(ctx context.Context, username, password string) error
	SetUserDisabled(ctx context.Context, username string, disabled bool) error
	AssignUserRoles(ctx context.Context, username string, roles []string) (*UserInfo, error)
	AssignUserGroups(ctx context.Context, username string, groups []string) (*UserInfo, error)

	CreateRole(ctx context.Context, name string, permissions []string) (*RoleInfo, error)
	ListRoles(ctx context.Context) ([]RoleInfo, error)
	DeleteRole(ctx context.Context, name string) error

	CreateGroup(ctx context.Context, name, externalClaim string, roles []string) (*GroupInfo, error)
	ListGroups(ctx context.Context) ([]GroupInfo, error)
	DeleteGroup(ctx context.Context, name string) error

	Grant(ctx context.Context, entry ACLEntryInfo) error
	Revoke(ctx context.Context, entry ACLEntryInfo) error
	ListGrants(ctx context.Context, resourceType, resourceID string) ([]ACLEntryInfo, error)
	// GrantOwner seeds Manage access for the creator of a fresh resource.
	// Unknown principals are a no-op so system-driven creates never fail.
	GrantOwner(ctx context.Context, username, resourceType, resourceID string) error

	IssueAccessToken(ctx context.Context, username, name string, ttlDays int) (*AccessTokenInfo, error)
	ListAccessTokens(ctx context.Context, username string) ([]AccessTokenInfo, error)
	RevokeAccessToken(ctx context.Context, id string) error

	OIDCEnabled() bool
	BeginOIDCLogin(ctx context.Context, redirectURI string) (string, error)
	CompleteOIDCLogin(ctx context.Context, state, code, redirectURI string) (*SessionInfo, error)
}

var (
	handlerMutex sync.RWMutex

	configurationManagerHandler ConfigurationManagerHandler
	compositeManagerHandler     CompositeManagerHandler
	scopeManagerHandler         ScopeManagerHandler
	nodeManagerHandler          NodeManagerHandler
	parameterManagerHandler     ParameterManagerHandler
	retentionManagerHandler     RetentionManagerHandler
	authManagerHandler          AuthManagerHandler
)

// RegisterConfigurationManager registers the configuration manager handler.
func RegisterConfigurationManager(h ConfigurationManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	configurationManagerHandler = h
}

// GetConfigurationManager returns the registered configuration manager, or
// nil if none is registered.
func GetConfigurationManager() ConfigurationManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return configurationManagerHandler
}

// RegisterCompositeManager registers the composite manager handler.
func RegisterCompositeManager(h CompositeManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	compositeManagerHandler = h
}

// GetCompositeManager returns the registered composite manager, or nil if
// none is registered.
func GetCompositeManager() CompositeManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return compositeManagerHandler
}

// RegisterScopeManager registers the scope manager handler.
func RegisterScopeManager(h ScopeManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	scopeManagerHandler = h
}

// GetScopeManager returns the registered scope manager, or nil if none is
// registered.
func GetScopeManager() ScopeManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return scopeManagerHandler
}

// RegisterNodeManager registers the node manager handler.
func RegisterNodeManager(h NodeManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	nodeManagerHandler = h
}

// GetNodeManager returns the registered node manager, or nil if none is
// registered.
func GetNodeManager() NodeManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return nodeManagerHandler
}

// RegisterParameterManager registers the parameter manager handler.
func RegisterParameterManager(h ParameterManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	parameterManagerHandler = h
}

// GetParameterManager returns the registered parameter manager, or nil if
// none is registered.
func GetParameterManager() ParameterManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return parameterManagerHandler
}

// RegisterRetentionManager registers the retention manager handler.
func RegisterRetentionManager(h RetentionManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	retentionManagerHandler = h
}

// GetRetentionManager returns the registered retention manager, or nil if
// none is registered.
func GetRetentionManager() RetentionManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return retentionManagerHandler
}

// RegisterAuthManager registers the auth manager handler.
func RegisterAuthManager(h AuthManagerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	authManagerHandler = h
}

// GetAuthManager returns the registered auth manager, or nil if none is
// registered.
func GetAuthManager() AuthManagerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return authManagerHandler
}

// ResetForTest clears all registered handlers. Only for use in tests.
func ResetForTest() {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	configurationManagerHandler = nil
	compositeManagerHandler = nil
	scopeManagerHandler = nil
	nodeManagerHandler = nil
	parameterManagerHandler = nil
	retentionManagerHandler = nil
	authManagerHandler = nil
}
