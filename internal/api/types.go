package api

import (
	"encoding/json"
	"time"
)

// ConfigurationInfo describes a configuration and optionally its versions.
type ConfigurationInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	EntryPoint    string        `json:"entryPoint"`
	ServerManaged bool          `json:"serverManaged"`
	Versions      []VersionInfo `json:"versions,omitempty"`
}

// VersionInfo describes a single configuration version.
type VersionInfo struct {
	Version    string     `json:"version"`
	IsDraft    bool       `json:"isDraft"`
	IsArchived bool       `json:"isArchived"`
	CreatedAt  time.Time  `json:"createdAt"`
	CreatedBy  string     `json:"createdBy,omitempty"`
	SchemaHash string     `json:"schemaHash,omitempty"`
	Files      []FileInfo `json:"files,omitempty"`
}

// FileInfo describes one file of a configuration version.
type FileInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// FileUpload carries one file of a version upload.
type FileUpload struct {
	Path    string
	Content []byte
}

// CreateConfigurationRequest creates a configuration together with its
// initial version. ServerManaged marks the configuration's parameters as
// maintained on the server; it is also set implicitly when a version
// upload carries a parameters document.
type CreateConfigurationRequest struct {
	Name          string
	Description   string
	EntryPoint    string
	ServerManaged bool
	Version       string
	IsDraft       bool
	Files         []FileUpload
	CreatedBy     string
}

// UploadVersionRequest adds a new version to an existing configuration.
type UploadVersionRequest struct {
	Configuration string
	Version       string
	IsDraft       bool
	Files         []FileUpload
	CreatedBy     string
}

// CompositeInfo describes a composite configuration.
type CompositeInfo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	EntryPoint  string                 `json:"entryPoint"`
	Versions    []CompositeVersionInfo `json:"versions,omitempty"`
}

// CompositeVersionInfo describes a composite configuration version with its
// ordered children.
type CompositeVersionInfo struct {
	Version    string              `json:"version"`
	IsDraft    bool                `json:"isDraft"`
	IsArchived bool                `json:"isArchived"`
	CreatedAt  time.Time           `json:"createdAt"`
	CreatedBy  string              `json:"createdBy,omitempty"`
	Items      []CompositeItemInfo `json:"items"`
}

// CompositeItemInfo references one child configuration of a composite
// version. An empty PinnedVersion selects the latest published version at
// bundle time.
type CompositeItemInfo struct {
	Configuration string `json:"configuration"`
	PinnedVersion string `json:"pinnedVersion,omitempty"`
	Order         int    `json:"order"`
}

// CreateCompositeRequest creates a composite configuration with its initial
// version.
type CreateCompositeRequest struct {
	Name        string
	Description string
	EntryPoint  string
	Version     string
	IsDraft     bool
	Items       []CompositeItemInfo
	CreatedBy   string
}

// UploadCompositeVersionRequest adds a version to an existing composite.
type UploadCompositeVersionRequest struct {
	Composite string
	Version   string
	IsDraft   bool
	Items     []CompositeItemInfo
	CreatedBy string
}

// ScopeTypeInfo describes a scope type and its values.
type ScopeTypeInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Precedence   int      `json:"precedence"`
	AllowsValues bool     `json:"allowsValues"`
	IsSystem     bool     `json:"isSystem"`
	Values       []string `json:"values,omitempty"`
}

// NodeInfo describes a registered node.
type NodeInfo struct {
	ID              string                 `json:"id"`
	FQDN            string                 `json:"fqdn"`
	RegisteredAt    time.Time              `json:"registeredAt"`
	LastSeen        time.Time              `json:"lastSeen,omitempty"`
	CertFingerprint string                 `json:"certFingerprint,omitempty"`
	CertNotAfter    time.Time              `json:"certNotAfter,omitempty"`
	Tags            []NodeTagInfo          `json:"tags,omitempty"`
	Assignment      *NodeConfigurationInfo `json:"assignment,omitempty"`
}

// NodeTagInfo ties a node to one scope value of one scope type.
type NodeTagInfo struct {
	ScopeType  string `json:"scopeType"`
	ScopeValue string `json:"scopeValue"`
}

// NodeConfigurationInfo is a node's configuration assignment. Exactly one of
// Configuration and Composite is set.
type NodeConfigurationInfo struct {
	Configuration              string `json:"configuration,omitempty"`
	Composite                  string `json:"composite,omitempty"`
	PinnedVersion              string `json:"pinnedVersion,omitempty"`
	UseServerManagedParameters bool   `json:"useServerManagedParameters"`
}

// RegisterNodeRequest is the server-side registration input. The certificate
// fields are extracted from the TLS peer certificate by the HTTP layer.
type RegisterNodeRequest struct {
	RegistrationKey string
	FQDN            string
	CertFingerprint string
	CertSubject     string
	CertNotAfter    time.Time
}

// CertificateUpdate carries the replacement certificate identity for a
// rotation.
type CertificateUpdate struct {
	Fingerprint string
	Subject     string
	NotAfter    time.Time
}

// RegistrationKeyInfo describes a registration key. Token is only populated
// when the key is first issued.
type RegistrationKeyInfo struct {
	ID        string     `json:"id"`
	Token     string     `json:"token,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UseCount  int        `json:"useCount"`
	MaxUses   *int       `json:"maxUses,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// ParameterFileInfo describes one uploaded parameter document.
type ParameterFileInfo struct {
	ID              string    `json:"id"`
	ConfigurationID string    `json:"configurationId"`
	ScopeTypeID     string    `json:"scopeTypeId"`
	ScopeValue      string    `json:"scopeValue,omitempty"`
	Version         string    `json:"version"`
	ContentType     string    `json:"contentType"`
	Checksum        string    `json:"checksum"`
	SchemaHash      string    `json:"schemaHash"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Parameter file lifecycle states.
const (
	ParameterStateDraft    = "draft"
	ParameterStateActive   = "active"
	ParameterStateArchived = "archived"
)

// UploadParameterRequest uploads a parameter document version. Without
// Activate the upload lands as a draft.
type UploadParameterRequest struct {
	ConfigurationID string
	ScopeTypeID     string
	ScopeValue      string
	Version         string
	Content         []byte
	ContentType     string
	Activate        bool
	CreatedBy       string
}

// ProvenanceOverride is one shadowed value of a merged leaf, most recent
// loser first. Path is set when the shadowed leaf sat at a different path
// than the entry, which happens when a mapping subtree was replaced.
type ProvenanceOverride struct {
	Source string      `json:"source"`
	Value  interface{} `json:"value"`
	Path   string      `json:"path,omitempty"`
}

// ProvenanceEntry records where a merged leaf value came from.
type ProvenanceEntry struct {
	Path         string               `json:"path"`
	Source       string               `json:"source"`
	Value        interface{}          `json:"value"`
	OverriddenBy []ProvenanceOverride `json:"overriddenBy"`
}

// MergeDiagnostics is the merged document plus its provenance index, used by
// the diagnostics endpoints.
type MergeDiagnostics struct {
	Merged     map[string]interface{} `json:"merged"`
	MergedYAML string                 `json:"mergedYaml"`
	Sources    []string               `json:"sources"`
	Provenance []ProvenanceEntry      `json:"provenance"`
}

// BundleInfo summarizes a built bundle.
type BundleInfo struct {
	ManifestChecksum string `json:"manifestChecksum"`
	ArchiveSHA256    string `json:"archiveSha256"`
	Bytes            int64  `json:"bytes"`
	EntryPoint       string `json:"entryPoint"`
	Version          string `json:"version"`
}

// ResourceResultInfo is one per-resource entry of a compliance report.
type ResourceResultInfo struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	InDesiredState *bool  `json:"inDesiredState"`
}

// ReportSubmission is a compliance report as submitted by a node.
type ReportSubmission struct {
	Operation string
	ExitCode  int
	Resources []ResourceResultInfo
	Raw       json.RawMessage
}

// ReportInfo describes a stored compliance report.
type ReportInfo struct {
	ID        string               `json:"id"`
	NodeID    string               `json:"nodeId"`
	Operation string               `json:"operation"`
	Timestamp time.Time            `json:"timestamp"`
	ExitCode  int                  `json:"exitCode"`
	Resources []ResourceResultInfo `json:"resources,omitempty"`
	Raw       json.RawMessage      `json:"raw,omitempty"`
}

// UserInfo describes an operator account.
type UserInfo struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Groups      []string  `json:"groups,omitempty"`
	External    bool      `json:"external,omitempty"`
	Disabled    bool      `json:"disabled,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateUserRequest creates an operator account. Password may be empty for
// accounts that only sign in through the identity provider.
type CreateUserRequest struct {
	Username    string
	DisplayName string
	Email       string
	Password    string
	Roles       []string
	Groups      []string
}

// RoleInfo is a named set of global permission strings.
type RoleInfo struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// GroupInfo is a named set of users carrying roles. ExternalClaim maps the
// group onto an identity provider group claim value.
type GroupInfo struct {
	Name          string   `json:"name"`
	ExternalClaim string   `json:"externalClaim,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

// ACLEntryInfo grants a principal an access level on one resource.
type ACLEntryInfo struct {
	Principal     string `json:"principal"`
	PrincipalType string `json:"principalType"`
	ResourceType  string `json:"resourceType"`
	ResourceID    string `json:"resourceId"`
	Level         string `json:"level"`
}

// SessionInfo is an interactive operator session. Token is the opaque
// cookie value.
type SessionInfo struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AccessTokenInfo describes a personal access token. Token is only
// populated when the token is first issued.
type AccessTokenInfo struct {
	ID        string    `json:"id"`
	Token     string    `json:"token,omitempty"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
}

// IdentityInfo is the authenticated principal attached to a request.
type IdentityInfo struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// RetentionRequest parameterizes a retention run.
type RetentionRequest struct {
	KeepVersions int
	KeepDays     int
	DryRun       bool
}

// RetentionCandidate is one version slated for (or deleted by) a retention
// run.
type RetentionCandidate struct {
	Configuration string    `json:"configuration"`
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	Bytes         int64     `json:"bytes"`
}

// RetentionReport summarizes a retention run.
type RetentionReport struct {
	Examined   int                  `json:"examined"`
	Candidates []RetentionCandidate `json:"candidates"`
	FreedBytes int64                `json:"freedBytes"`
	DryRun     bool                 `json:"dryRun"`
}
