// Package store is the persistence layer of the pull server: aggregate
// entities, a transactional Store interface and a file-backed
// implementation that keeps metadata as YAML documents and content bytes in
// a blob directory.
//
// Transactions follow a copy-on-write discipline. Getters return shared
// snapshots that must never be mutated; writers Clone an aggregate, modify
// the clone and hand it to the matching Save method. Update serializes all
// writers, applies the function's changes atomically to the in-memory state
// and persists the touched aggregates on commit; if the function returns an
// error nothing is changed.
package store

import "io"

// Store is the transactional metadata store plus blob access. Blob I/O is
// deliberately outside the transaction interface so no lock is ever held
// across file streaming.
type Store interface {
	// View runs fn with a read snapshot. The snapshot is stable for the
	// duration of fn.
	View(fn func(ReadTx) error) error
	// Update runs fn with read-write access. Changes made through the
	// WriteTx become visible and durable only when fn returns nil.
	Update(fn func(WriteTx) error) error
	// Blobs returns the content store.
	Blobs() BlobStore
	Close() error
}

// ReadTx is a consistent read view over all aggregates. Returned values are
// shared snapshots; callers must not mutate them.
type ReadTx interface {
	Configuration(name string) *Configuration
	ConfigurationByID(id string) *Configuration
	Configurations() []*Configuration

	Composite(name string) *Composite
	CompositeByID(id string) *Composite
	Composites() []*Composite

	ScopeType(id string) *ScopeType
	ScopeTypeByName(name string) *ScopeType
	ScopeTypes() []*ScopeType

	Node(id string) *Node
	NodeByFQDN(fqdn string) *Node
	NodeByFingerprint(fingerprint string) *Node
	Nodes() []*Node

	ParameterSet(configurationID string) *ParameterSet
	ParameterSets() []*ParameterSet

	Schema(hash string) *SchemaRecord
	Schemas() []*SchemaRecord

	RegistrationKey(id string) *RegistrationKey
	RegistrationKeyByTokenHash(hash string) *RegistrationKey
	RegistrationKeys() []*RegistrationKey

	// Reports returns the node's reports newest first, at most limit
	// (0 means all).
	Reports(nodeID string, limit int) []*Report

	User(username string) *User
	Users() []*User
	Group(name string) *Group
	Groups() []*Group
	Role(name string) *Role
	Roles() []*Role
	AccessToken(id string) *AccessToken
	AccessTokenByHash(hash string) *AccessToken
	AccessTokens() []*AccessToken
	ACL() *ACLTable
}

// WriteTx adds mutation on top of a read view. Reads observe the
// transaction's own writes.
type WriteTx interface {
	ReadTx

	SaveConfiguration(c *Configuration)
	DeleteConfiguration(name string)
	SaveComposite(c *Composite)
	DeleteComposite(name string)
	SaveScopeType(s *ScopeType)
	DeleteScopeType(id string)
	SaveNode(n *Node)
	DeleteNode(id string)
	SaveParameterSet(p *ParameterSet)
	DeleteParameterSet(configurationID string)
	SaveSchema(s *SchemaRecord)
	DeleteSchema(hash string)
	SaveRegistrationKey(k *RegistrationKey)
	DeleteRegistrationKey(id string)
	AppendReport(r *Report)
	DeleteReports(nodeID string)
	SaveUser(u *User)
	DeleteUser(username string)
	SaveGroup(g *Group)
	DeleteGroup(name string)
	SaveRole(r *Role)
	DeleteRole(name string)
	SaveAccessToken(t *AccessToken)
	DeleteAccessToken(id string)
	SaveACL(a *ACLTable)
}

// BlobStore stores opaque content bytes keyed by caller-chosen ids.
type BlobStore interface {
	// Put streams r into the blob identified by id, replacing any
	// previous content. Returns the byte count written.
	Put(id string, r io.Reader) (int64, error)
	// Open returns a reader over the blob. The caller closes it.
	Open(id string) (io.ReadCloser, error)
	// Bytes reads the whole blob into memory.
	Bytes(id string) ([]byte, error)
	// Size returns the blob's byte size.
	Size(id string) (int64, error)
	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(id string) error
}
