package store

import (
	"regexp"
	"time"

	"github.com/opendsc/opendsc/internal/api"
)

// nameRE is the naming rule shared by configurations, composites, scope
// values and usernames.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateName checks the shared naming rule for the given field.
func ValidateName(field, name string) error {
	if name == "" {
		return api.NewFieldValidationError(field, "must not be empty")
	}
	if name == "." || name == ".." {
		return api.NewFieldValidationError(field, "%q is reserved", name)
	}
	if !nameRE.MatchString(name) {
		return api.NewFieldValidationError(field, "%q may only contain letters, digits, '_', '.' and '-'", name)
	}
	return nil
}

// System scope type names.
const (
	ScopeTypeDefault = "Default"
	ScopeTypeNode    = "Node"
)

// Principal types for ACL entries.
const (
	PrincipalUser  = "user"
	PrincipalGroup = "group"
)

// Resource types for ACL entries.
const (
	ResourceConfiguration = "configuration"
	ResourceComposite     = "composite"
	ResourceParameter     = "parameter"
)

// Access levels for ACL entries, in increasing order of authority.
const (
	LevelRead   = "Read"
	LevelModify = "Modify"
	LevelManage = "Manage"
)

// Configuration is the aggregate root for a named configuration and all of
// its versions. Values handed out by a transaction are shared snapshots:
// callers must Clone before mutating and save the clone.
type Configuration struct {
	ID            string                  `yaml:"id"`
	Name          string                  `yaml:"name"`
	Description   string                  `yaml:"description,omitempty"`
	EntryPoint    string                  `yaml:"entryPoint"`
	ServerManaged bool                    `yaml:"serverManaged"`
	CreatedAt     time.Time               `yaml:"createdAt"`
	CreatedBy     string                  `yaml:"createdBy,omitempty"`
	Versions      []*ConfigurationVersion `yaml:"versions"`
}

// ConfigurationVersion is one SemVer-identified snapshot of a
// configuration. Published means neither draft nor archived.
type ConfigurationVersion struct {
	Version    string               `yaml:"version"`
	IsDraft    bool                 `yaml:"isDraft"`
	IsArchived bool                 `yaml:"isArchived"`
	SchemaHash string               `yaml:"schemaHash,omitempty"`
	CreatedAt  time.Time            `yaml:"createdAt"`
	CreatedBy  string               `yaml:"createdBy,omitempty"`
	Files      []*ConfigurationFile `yaml:"files"`
}

// Published reports whether the version is visible to latest selection and
// bundles.
func (v *ConfigurationVersion) Published() bool {
	return !v.IsDraft && !v.IsArchived
}

// ConfigurationFile is one file of a version. Content lives in the blob
// store under BlobID; SHA256 is the content digest recorded at upload.
type ConfigurationFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
	BlobID string `yaml:"blobId"`
}

// Version returns the version entry with the given version string, or nil.
func (c *Configuration) Version(version string) *ConfigurationVersion {
	for _, v := range c.Versions {
		if v.Version == version {
			return v
		}
	}
	return nil
}

// PublishedVersions returns the version strings visible to latest
// selection.
func (c *Configuration) PublishedVersions() []string {
	var out []string
	for _, v := range c.Versions {
		if v.Published() {
			out = append(out, v.Version)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.Versions = make([]*ConfigurationVersion, len(c.Versions))
	for i, v := range c.Versions {
		cv := *v
		cv.Files = make([]*ConfigurationFile, len(v.Files))
		for j, f := range v.Files {
			cf := *f
			cv.Files[j] = &cf
		}
		out.Versions[i] = &cv
	}
	return &out
}

// Composite is the aggregate root for a composite configuration.
type Composite struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	EntryPoint  string              `yaml:"entryPoint"`
	CreatedAt   time.Time           `yaml:"createdAt"`
	CreatedBy   string              `yaml:"createdBy,omitempty"`
	Versions    []*CompositeVersion `yaml:"versions"`
}

// CompositeVersion is one version of a composite with its ordered children.
type CompositeVersion struct {
	Version    string           `yaml:"version"`
	IsDraft    bool             `yaml:"isDraft"`
	IsArchived bool             `yaml:"isArchived"`
	CreatedAt  time.Time        `yaml:"createdAt"`
	CreatedBy  string           `yaml:"createdBy,omitempty"`
	Items      []*CompositeItem `yaml:"items"`
}

// Published reports whether the version is visible to latest selection and
// bundles.
func (v *CompositeVersion) Published() bool {
	return !v.IsDraft && !v.IsArchived
}

// CompositeItem references a child configuration by name. An empty
// PinnedVersion resolves to the child's latest published version at bundle
// time.
type CompositeItem struct {
	Configuration string `yaml:"configuration"`
	PinnedVersion string `yaml:"pinnedVersion,omitempty"`
	Order         int    `yaml:"order"`
}

// Version returns the version entry with the given version string, or nil.
func (c *Composite) Version(version string) *CompositeVersion {
	for _, v := range c.Versions {
		if v.Version == version {
			return v
		}
	}
	return nil
}

// PublishedVersions returns the version strings visible to latest
// selection.
func (c *Composite) PublishedVersions() []string {
	var out []string
	for _, v := range c.Versions {
		if v.Published() {
			out = append(out, v.Version)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Composite) Clone() *Composite {
	out := *c
	out.Versions = make([]*CompositeVersion, len(c.Versions))
	for i, v := range c.Versions {
		cv := *v
		cv.Items = make([]*CompositeItem, len(v.Items))
		for j, it := range v.Items {
			ci := *it
			cv.Items[j] = &ci
		}
		out.Versions[i] = &cv
	}
	return &out
}

// ScopeType is a precedence-layered category of parameter scopes.
type ScopeType struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Precedence   int      `yaml:"precedence"`
	AllowsValues bool     `yaml:"allowsValues"`
	IsSystem     bool     `yaml:"isSystem"`
	Values       []string `yaml:"values,omitempty"`
}

// HasValue reports whether value is registered for this scope type.
func (s *ScopeType) HasValue(value string) bool {
	for _, v := range s.Values {
		if v == value {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *ScopeType) Clone() *ScopeType {
	out := *s
	out.Values = append([]string(nil), s.Values...)
	return &out
}

// Node is a registered machine with its tags and assignment.
type Node struct {
	ID              string          `yaml:"id"`
	FQDN            string          `yaml:"fqdn"`
	RegisteredAt    time.Time       `yaml:"registeredAt"`
	LastSeen        time.Time       `yaml:"lastSeen,omitempty"`
	CertFingerprint string          `yaml:"certFingerprint,omitempty"`
	CertSubject     string          `yaml:"certSubject,omitempty"`
	CertNotAfter    time.Time       `yaml:"certNotAfter,omitempty"`
	Tags            []*NodeTag      `yaml:"tags,omitempty"`
	Assignment      *NodeAssignment `yaml:"assignment,omitempty"`
}

// NodeTag ties the node to one value of one scope type.
type NodeTag struct {
	ScopeTypeID string `yaml:"scopeTypeId"`
	ScopeValue  string `yaml:"scopeValue"`
}

// Tag returns the node's tag for the given scope type, or nil.
func (n *Node) Tag(scopeTypeID string) *NodeTag {
	for _, t := range n.Tags {
		if t.ScopeTypeID == scopeTypeID {
			return t
		}
	}
	return nil
}

// NodeAssignment binds the node to exactly one configuration or composite.
type NodeAssignment struct {
	Configuration              string `yaml:"configuration,omitempty"`
	Composite                  string `yaml:"composite,omitempty"`
	PinnedVersion              string `yaml:"pinnedVersion,omitempty"`
	UseServerManagedParameters bool   `yaml:"useServerManagedParameters"`
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	out := *n
	out.Tags = make([]*NodeTag, len(n.Tags))
	for i, t := range n.Tags {
		ct := *t
		out.Tags[i] = &ct
	}
	if n.Assignment != nil {
		a := *n.Assignment
		out.Assignment = &a
	}
	return &out
}

// ParameterSet is the aggregate of all parameter documents uploaded for one
// configuration. Keeping them in one aggregate makes activation a
// single-write operation.
type ParameterSet struct {
	ConfigurationID string           `yaml:"configurationId"`
	Files           []*ParameterFile `yaml:"files"`
}

// ParameterFile is one uploaded parameter document version. Draft is the
// state with neither IsActive nor IsArchived set.
type ParameterFile struct {
	ID          string    `yaml:"id"`
	ScopeTypeID string    `yaml:"scopeTypeId"`
	ScopeValue  string    `yaml:"scopeValue,omitempty"`
	Version     string    `yaml:"version"`
	ContentType string    `yaml:"contentType"`
	BlobID      string    `yaml:"blobId"`
	Checksum    string    `yaml:"checksum"`
	SchemaHash  string    `yaml:"schemaHash"`
	IsActive    bool      `yaml:"isActive"`
	IsArchived  bool      `yaml:"isArchived"`
	CreatedAt   time.Time `yaml:"createdAt"`
	CreatedBy   string    `yaml:"createdBy,omitempty"`
}

// Clone returns a copy.
func (f *ParameterFile) Clone() *ParameterFile {
	out := *f
	return &out
}

// Find returns the file for (scopeTypeID, scopeValue, version), or nil.
func (p *ParameterSet) Find(scopeTypeID, scopeValue, version string) *ParameterFile {
	for _, f := range p.Files {
		if f.ScopeTypeID == scopeTypeID && f.ScopeValue == scopeValue && f.Version == version {
			return f
		}
	}
	return nil
}

// Active returns the active file for (scopeTypeID, scopeValue), or nil. At
// most one can be active per slot.
func (p *ParameterSet) Active(scopeTypeID, scopeValue string) *ParameterFile {
	for _, f := range p.Files {
		if f.ScopeTypeID == scopeTypeID && f.ScopeValue == scopeValue && f.IsActive {
			return f
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *ParameterSet) Clone() *ParameterSet {
	out := *p
	out.Files = make([]*ParameterFile, len(p.Files))
	for i, f := range p.Files {
		cf := *f
		out.Files[i] = &cf
	}
	return &out
}

// SchemaRecord is one deduplicated parameter schema, keyed by the hash of
// its canonical JSON. Never mutated after creation.
type SchemaRecord struct {
	Hash      string    `yaml:"hash"`
	Schema    string    `yaml:"schema"`
	CreatedAt time.Time `yaml:"createdAt"`
}

// Clone returns a copy.
func (s *SchemaRecord) Clone() *SchemaRecord {
	out := *s
	return &out
}

// RegistrationKey authorizes node enrollment. The secret itself is never
// stored, only its SHA-256.
type RegistrationKey struct {
	ID        string     `yaml:"id"`
	TokenHash string     `yaml:"tokenHash"`
	CreatedBy string     `yaml:"createdBy,omitempty"`
	CreatedAt time.Time  `yaml:"createdAt"`
	ExpiresAt time.Time  `yaml:"expiresAt"`
	UseCount  int        `yaml:"useCount"`
	MaxUses   *int       `yaml:"maxUses,omitempty"`
	RevokedAt *time.Time `yaml:"revokedAt,omitempty"`
}

// Usable reports whether the key can authorize a registration at now.
func (k *RegistrationKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if now.After(k.ExpiresAt) {
		return false
	}
	if k.MaxUses != nil && k.UseCount >= *k.MaxUses {
		return false
	}
	return true
}

// Clone returns a deep copy.
func (k *RegistrationKey) Clone() *RegistrationKey {
	out := *k
	if k.MaxUses != nil {
		m := *k.MaxUses
		out.MaxUses = &m
	}
	if k.RevokedAt != nil {
		r := *k.RevokedAt
		out.RevokedAt = &r
	}
	return &out
}

// Report is one stored compliance report. Append-only.
type Report struct {
	ID        string           `yaml:"id"`
	NodeID    string           `yaml:"nodeId"`
	Operation string           `yaml:"operation"`
	Timestamp time.Time        `yaml:"timestamp"`
	ExitCode  int              `yaml:"exitCode"`
	Resources []ReportResource `yaml:"resources,omitempty"`
	Raw       []byte           `yaml:"raw,omitempty"`
}

// ReportResource is one per-resource entry of a report.
type ReportResource struct {
	Type           string `yaml:"type"`
	Name           string `yaml:"name"`
	InDesiredState *bool  `yaml:"inDesiredState"`
}

// User is an operator account. PasswordHash is empty for accounts that only
// sign in through the identity provider.
type User struct {
	ID              string    `yaml:"id"`
	Username        string    `yaml:"username"`
	DisplayName     string    `yaml:"displayName,omitempty"`
	Email           string    `yaml:"email,omitempty"`
	PasswordHash    string    `yaml:"passwordHash,omitempty"`
	ExternalSubject string    `yaml:"externalSubject,omitempty"`
	Roles           []string  `yaml:"roles,omitempty"`
	Groups          []string  `yaml:"groups,omitempty"`
	Disabled        bool      `yaml:"disabled,omitempty"`
	CreatedAt       time.Time `yaml:"createdAt"`
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	out.Groups = append([]string(nil), u.Groups...)
	return &out
}

// Group is a named set of users carrying roles, optionally mapped from an
// identity provider group claim.
type Group struct {
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	ExternalClaim string    `yaml:"externalClaim,omitempty"`
	Roles         []string  `yaml:"roles,omitempty"`
	CreatedAt     time.Time `yaml:"createdAt"`
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	out := *g
	out.Roles = append([]string(nil), g.Roles...)
	return &out
}

// Role is a named set of global permission strings.
type Role struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Permissions []string  `yaml:"permissions"`
	CreatedAt   time.Time `yaml:"createdAt"`
}

// Clone returns a deep copy.
func (r *Role) Clone() *Role {
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	return &out
}

// AccessToken is a personal access token record. Only the SHA-256 of the
// secret is kept.
type AccessToken struct {
	ID        string    `yaml:"id"`
	Username  string    `yaml:"username"`
	Name      string    `yaml:"name"`
	TokenHash string    `yaml:"tokenHash"`
	CreatedAt time.Time `yaml:"createdAt"`
	ExpiresAt time.Time `yaml:"expiresAt,omitempty"`
	LastUsed  time.Time `yaml:"lastUsed,omitempty"`
}

// Clone returns a copy.
func (t *AccessToken) Clone() *AccessToken {
	out := *t
	return &out
}

// ACLEntry grants a principal a level on one resource.
type ACLEntry struct {
	PrincipalID   string `yaml:"principalId"`
	PrincipalType string `yaml:"principalType"`
	ResourceType  string `yaml:"resourceType"`
	ResourceID    string `yaml:"resourceId"`
	Level         string `yaml:"level"`
}

// ACLTable is the aggregate of all resource ACL entries.
type ACLTable struct {
	Entries []*ACLEntry `yaml:"entries"`
}

// Clone returns a deep copy.
func (a *ACLTable) Clone() *ACLTable {
	out := &ACLTable{Entries: make([]*ACLEntry, len(a.Entries))}
	for i, e := range a.Entries {
		ce := *e
		out.Entries[i] = &ce
	}
	return out
}
