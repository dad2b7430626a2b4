package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Subdirectories of the data root, one per aggregate kind.
const (
	dirConfigurations = "configurations"
	dirComposites     = "composites"
	dirScopeTypes     = "scope-types"
	dirNodes          = "nodes"
	dirParameters     = "parameters"
	dirSchemas        = "schemas"
	dirRegKeys        = "registration-keys"
	dirReports        = "reports"
	dirUsers          = "users"
	dirGroups         = "groups"
	dirRoles          = "roles"
	dirTokens         = "tokens"
	dirBlobs          = "blobs"

	aclFile = "acl.yaml"
)

// fileStore keeps every aggregate in memory and mirrors each to a YAML file
// under its kind's subdirectory. A single RWMutex serializes writers;
// readers share the lock for the duration of a View.
type fileStore struct {
	mu    sync.RWMutex
	dir   string
	blobs *fsBlobs

	configurations map[string]*Configuration // by name
	composites     map[string]*Composite     // by name
	scopeTypes     map[string]*ScopeType     // by id
	nodes          map[string]*Node          // by id
	parameters     map[string]*ParameterSet  // by configuration id
	schemas        map[string]*SchemaRecord  // by hash
	regKeys        map[string]*RegistrationKey
	reports        map[string][]*Report // by node id, append order
	users          map[string]*User     // by username
	groups         map[string]*Group    // by name
	roles          map[string]*Role     // by name
	tokens         map[string]*AccessToken
	acl            *ACLTable
}

// Open loads (or initializes) a file-backed store rooted at dir.
func Open(dir string) (Store, error) {
	s := &fileStore{
		dir:            dir,
		configurations: map[string]*Configuration{},
		composites:     map[string]*Composite{},
		scopeTypes:     map[string]*ScopeType{},
		nodes:          map[string]*Node{},
		parameters:     map[string]*ParameterSet{},
		schemas:        map[string]*SchemaRecord{},
		regKeys:        map[string]*RegistrationKey{},
		reports:        map[string][]*Report{},
		users:          map[string]*User{},
		groups:         map[string]*Group{},
		roles:          map[string]*Role{},
		tokens:         map[string]*AccessToken{},
		acl:            &ACLTable{},
	}

	for _, sub := range []string{
		dirConfigurations, dirComposites, dirScopeTypes, dirNodes,
		dirParameters, dirSchemas, dirRegKeys, dirReports,
		dirUsers, dirGroups, dirRoles, dirTokens, dirBlobs,
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", sub, err)
		}
	}
	s.blobs = &fsBlobs{dir: filepath.Join(dir, dirBlobs)}

	if err := s.load(); err != nil {
		return nil, err
	}
	logging.Info("Store", "Opened data store at %s (%d configurations, %d nodes)",
		dir, len(s.configurations), len(s.nodes))
	return s, nil
}

func (s *fileStore) load() error {
	if err := loadDir(s.dir, dirConfigurations, func(c *Configuration) { s.configurations[c.Name] = c }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirComposites, func(c *Composite) { s.composites[c.Name] = c }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirScopeTypes, func(t *ScopeType) { s.scopeTypes[t.ID] = t }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirNodes, func(n *Node) { s.nodes[n.ID] = n }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirParameters, func(p *ParameterSet) { s.parameters[p.ConfigurationID] = p }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirSchemas, func(r *SchemaRecord) { s.schemas[r.Hash] = r }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirRegKeys, func(k *RegistrationKey) { s.regKeys[k.ID] = k }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirReports, func(l *reportLog) { s.reports[l.NodeID] = l.Reports }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirUsers, func(u *User) { s.users[u.Username] = u }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirGroups, func(g *Group) { s.groups[g.Name] = g }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirRoles, func(r *Role) { s.roles[r.Name] = r }); err != nil {
		return err
	}
	if err := loadDir(s.dir, dirTokens, func(t *AccessToken) { s.tokens[t.ID] = t }); err != nil {
		return err
	}

	aclPath := filepath.Join(s.dir, aclFile)
	data, err := os.ReadFile(aclPath)
	if err == nil {
		var table ACLTable
		if err := yaml.Unmarshal(data, &table); err != nil {
			return fmt.Errorf("loading %s: %w", aclFile, err)
		}
		s.acl = &table
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", aclFile, err)
	}
	return nil
}

// reportLog is the on-disk shape of a node's report history.
type reportLog struct {
	NodeID  string    `yaml:"nodeId"`
	Reports []*Report `yaml:"reports"`
}

func loadDir[T any](root, sub string, put func(*T)) error {
	dir := filepath.Join(root, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading store directory %s: %w", sub, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading %s/%s: %w", sub, e.Name(), err)
		}
		v := new(T)
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing %s/%s: %w", sub, e.Name(), err)
		}
		put(v)
	}
	return nil
}

func (s *fileStore) Blobs() BlobStore { return s.blobs }

func (s *fileStore) Close() error { return nil }

func (s *fileStore) View(fn func(ReadTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&txView{s: s})
}

func (s *fileStore) Update(fn func(WriteTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &writeTx{txView: txView{s: s}, dirty: map[dirtyKey]struct{}{}}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := tx.commit(); err != nil {
		tx.rollback()
		return api.NewTransientIOError("persisting transaction", err)
	}
	return nil
}

// txView implements ReadTx directly over the store maps. It is only valid
// while the store lock is held.
type txView struct {
	s *fileStore
}

func (t *txView) Configuration(name string) *Configuration {
	return t.s.configurations[name]
}

func (t *txView) ConfigurationByID(id string) *Configuration {
	for _, c := range t.s.configurations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (t *txView) Configurations() []*Configuration {
	out := make([]*Configuration, 0, len(t.s.configurations))
	for _, c := range t.s.configurations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *txView) Composite(name string) *Composite {
	return t.s.composites[name]
}

func (t *txView) CompositeByID(id string) *Composite {
	for _, c := range t.s.composites {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (t *txView) Composites() []*Composite {
	out := make([]*Composite, 0, len(t.s.composites))
	for _, c := range t.s.composites {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *txView) ScopeType(id string) *ScopeType {
	return t.s.scopeTypes[id]
}

func (t *txView) ScopeTypeByName(name string) *ScopeType {
	for _, st := range t.s.scopeTypes {
		if st.Name == name {
			return st
		}
	}
	return nil
}

func (t *txView) ScopeTypes() []*ScopeType {
	out := make([]*ScopeType, 0, len(t.s.scopeTypes))
	for _, st := range t.s.scopeTypes {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Precedence != out[j].Precedence {
			return out[i].Precedence < out[j].Precedence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (t *txView) Node(id string) *Node {
	return t.s.nodes[id]
}

func (t *txView) NodeByFQDN(fqdn string) *Node {
	for _, n := range t.s.nodes {
		if strings.EqualFold(n.FQDN, fqdn) {
			return n
		}
	}
	return nil
}

func (t *txView) NodeByFingerprint(fingerprint string) *Node {
	if fingerprint == "" {
		return nil
	}
	for _, n := range t.s.nodes {
		if n.CertFingerprint == fingerprint {
			return n
		}
	}
	return nil
}

func (t *txView) Nodes() []*Node {
	out := make([]*Node, 0, len(t.s.nodes))
	for _, n := range t.s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out
}

func (t *txView) ParameterSet(configurationID string) *ParameterSet {
	return t.s.parameters[configurationID]
}

func (t *txView) ParameterSets() []*ParameterSet {
	out := make([]*ParameterSet, 0, len(t.s.parameters))
	for _, p := range t.s.parameters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigurationID < out[j].ConfigurationID })
	return out
}

func (t *txView) Schema(hash string) *SchemaRecord {
	return t.s.schemas[hash]
}

func (t *txView) Schemas() []*SchemaRecord {
	out := make([]*SchemaRecord, 0, len(t.s.schemas))
	for _, rec := range t.s.schemas {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func (t *txView) RegistrationKey(id string) *RegistrationKey {
	return t.s.regKeys[id]
}

func (t *txView) RegistrationKeyByTokenHash(hash string) *RegistrationKey {
	for _, k := range t.s.regKeys {
		if k.TokenHash == hash {
			return k
		}
	}
	return nil
}

func (t *txView) RegistrationKeys() []*RegistrationKey {
	out := make([]*RegistrationKey, 0, len(t.s.regKeys))
	for _, k := range t.s.regKeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *txView) Reports(nodeID string, limit int) []*Report {
	log := t.s.reports[nodeID]
	out := make([]*Report, len(log))
	for i, r := range log {
		out[len(log)-1-i] = r
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *txView) User(username string) *User {
	return t.s.users[username]
}

func (t *txView) Users() []*User {
	out := make([]*User, 0, len(t.s.users))
	for _, u := range t.s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (t *txView) Group(name string) *Group {
	return t.s.groups[name]
}

func (t *txView) Groups() []*Group {
	out := make([]*Group, 0, len(t.s.groups))
	for _, g := range t.s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *txView) Role(name string) *Role {
	return t.s.roles[name]
}

func (t *txView) Roles() []*Role {
	out := make([]*Role, 0, len(t.s.roles))
	for _, r := range t.s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *txView) AccessToken(id string) *AccessToken {
	return t.s.tokens[id]
}

func (t *txView) AccessTokenByHash(hash string) *AccessToken {
	for _, tok := range t.s.tokens {
		if tok.TokenHash == hash {
			return tok
		}
	}
	return nil
}

func (t *txView) AccessTokens() []*AccessToken {
	out := make([]*AccessToken, 0, len(t.s.tokens))
	for _, tok := range t.s.tokens {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *txView) ACL() *ACLTable {
	return t.s.acl
}

// dirtyKey identifies one touched aggregate within a transaction.
type dirtyKey struct {
	kind string
	key  string
}

type undoEntry struct {
	restore func()
}

type writeTx struct {
	txView
	undo  []undoEntry
	dirty map[dirtyKey]struct{}
}

// touch registers an undo hook the first time a key is modified and marks
// it for persistence.
func (t *writeTx) touch(kind, key string, restore func()) {
	dk := dirtyKey{kind: kind, key: key}
	if _, seen := t.dirty[dk]; !seen {
		t.undo = append(t.undo, undoEntry{restore: restore})
		t.dirty[dk] = struct{}{}
	}
}

func (t *writeTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i].restore()
	}
	t.undo = nil
}

func (t *writeTx) SaveConfiguration(c *Configuration) {
	prev, had := t.s.configurations[c.Name]
	t.touch(dirConfigurations, c.Name, func() { restoreMap(t.s.configurations, c.Name, prev, had) })
	t.s.configurations[c.Name] = c
}

func (t *writeTx) DeleteConfiguration(name string) {
	prev, had := t.s.configurations[name]
	t.touch(dirConfigurations, name, func() { restoreMap(t.s.configurations, name, prev, had) })
	delete(t.s.configurations, name)
}

func (t *writeTx) SaveComposite(c *Composite) {
	prev, had := t.s.composites[c.Name]
	t.touch(dirComposites, c.Name, func() { restoreMap(t.s.composites, c.Name, prev, had) })
	t.s.composites[c.Name] = c
}

func (t *writeTx) DeleteComposite(name string) {
	prev, had := t.s.composites[name]
	t.touch(dirComposites, name, func() { restoreMap(t.s.composites, name, prev, had) })
	delete(t.s.composites, name)
}

func (t *writeTx) SaveScopeType(st *ScopeType) {
	prev, had := t.s.scopeTypes[st.ID]
	t.touch(dirScopeTypes, st.ID, func() { restoreMap(t.s.scopeTypes, st.ID, prev, had) })
	t.s.scopeTypes[st.ID] = st
}

func (t *writeTx) DeleteScopeType(id string) {
	prev, had := t.s.scopeTypes[id]
	t.touch(dirScopeTypes, id, func() { restoreMap(t.s.scopeTypes, id, prev, had) })
	delete(t.s.scopeTypes, id)
}

func (t *writeTx) SaveNode(n *Node) {
	prev, had := t.s.nodes[n.ID]
	t.touch(dirNodes, n.ID, func() { restoreMap(t.s.nodes, n.ID, prev, had) })
	t.s.nodes[n.ID] = n
}

func (t *writeTx) DeleteNode(id string) {
	prev, had := t.s.nodes[id]
	t.touch(dirNodes, id, func() { restoreMap(t.s.nodes, id, prev, had) })
	delete(t.s.nodes, id)
}

func (t *writeTx) SaveParameterSet(p *ParameterSet) {
	prev, had := t.s.parameters[p.ConfigurationID]
	t.touch(dirParameters, p.ConfigurationID, func() { restoreMap(t.s.parameters, p.ConfigurationID, prev, had) })
	t.s.parameters[p.ConfigurationID] = p
}

func (t *writeTx) DeleteParameterSet(configurationID string) {
	prev, had := t.s.parameters[configurationID]
	t.touch(dirParameters, configurationID, func() { restoreMap(t.s.parameters, configurationID, prev, had) })
	delete(t.s.parameters, configurationID)
}

func (t *writeTx) SaveSchema(r *SchemaRecord) {
	prev, had := t.s.schemas[r.Hash]
	t.touch(dirSchemas, r.Hash, func() { restoreMap(t.s.schemas, r.Hash, prev, had) })
	t.s.schemas[r.Hash] = r
}

func (t *writeTx) DeleteSchema(hash string) {
	prev, had := t.s.schemas[hash]
	t.touch(dirSchemas, hash, func() { restoreMap(t.s.schemas, hash, prev, had) })
	delete(t.s.schemas, hash)
}

func (t *writeTx) SaveRegistrationKey(k *RegistrationKey) {
	prev, had := t.s.regKeys[k.ID]
	t.touch(dirRegKeys, k.ID, func() { restoreMap(t.s.regKeys, k.ID, prev, had) })
	t.s.regKeys[k.ID] = k
}

func (t *writeTx) DeleteRegistrationKey(id string) {
	prev, had := t.s.regKeys[id]
	t.touch(dirRegKeys, id, func() { restoreMap(t.s.regKeys, id, prev, had) })
	delete(t.s.regKeys, id)
}

func (t *writeTx) AppendReport(r *Report) {
	prev, had := t.s.reports[r.NodeID]
	t.touch(dirReports, r.NodeID, func() { restoreMap(t.s.reports, r.NodeID, prev, had) })
	next := make([]*Report, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, r)
	t.s.reports[r.NodeID] = next
}

func (t *writeTx) DeleteReports(nodeID string) {
	prev, had := t.s.reports[nodeID]
	t.touch(dirReports, nodeID, func() { restoreMap(t.s.reports, nodeID, prev, had) })
	delete(t.s.reports, nodeID)
}

func (t *writeTx) SaveUser(u *User) {
	prev, had := t.s.users[u.Username]
	t.touch(dirUsers, u.Username, func() { restoreMap(t.s.users, u.Username, prev, had) })
	t.s.users[u.Username] = u
}

func (t *writeTx) DeleteUser(username string) {
	prev, had := t.s.users[username]
	t.touch(dirUsers, username, func() { restoreMap(t.s.users, username, prev, had) })
	delete(t.s.users, username)
}

func (t *writeTx) SaveGroup(g *Group) {
	prev, had := t.s.groups[g.Name]
	t.touch(dirGroups, g.Name, func() { restoreMap(t.s.groups, g.Name, prev, had) })
	t.s.groups[g.Name] = g
}

func (t *writeTx) DeleteGroup(name string) {
	prev, had := t.s.groups[name]
	t.touch(dirGroups, name, func() { restoreMap(t.s.groups, name, prev, had) })
	delete(t.s.groups, name)
}

func (t *writeTx) SaveRole(r *Role) {
	prev, had := t.s.roles[r.Name]
	t.touch(dirRoles, r.Name, func() { restoreMap(t.s.roles, r.Name, prev, had) })
	t.s.roles[r.Name] = r
}

func (t *writeTx) DeleteRole(name string) {
	prev, had := t.s.roles[name]
	t.touch(dirRoles, name, func() { restoreMap(t.s.roles, name, prev, had) })
	delete(t.s.roles, name)
}

func (t *writeTx) SaveAccessToken(tok *AccessToken) {
	prev, had := t.s.tokens[tok.ID]
	t.touch(dirTokens, tok.ID, func() { restoreMap(t.s.tokens, tok.ID, prev, had) })
	t.s.tokens[tok.ID] = tok
}

func (t *writeTx) DeleteAccessToken(id string) {
	prev, had := t.s.tokens[id]
	t.touch(dirTokens, id, func() { restoreMap(t.s.tokens, id, prev, had) })
	delete(t.s.tokens, id)
}

func (t *writeTx) SaveACL(a *ACLTable) {
	prev := t.s.acl
	t.touch("acl", "acl", func() { t.s.acl = prev })
	t.s.acl = a
}

func restoreMap[V any](m map[string]V, key string, prev V, had bool) {
	if had {
		m[key] = prev
	} else {
		delete(m, key)
	}
}

// commit persists every touched aggregate. The current in-memory value
// decides between write and removal, so save-then-delete sequences resolve
// naturally.
func (t *writeTx) commit() error {
	keys := make([]dirtyKey, 0, len(t.dirty))
	for dk := range t.dirty {
		keys = append(keys, dk)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].key < keys[j].key
	})

	for _, dk := range keys {
		if err := t.persist(dk); err != nil {
			return err
		}
	}
	t.undo = nil
	t.dirty = map[dirtyKey]struct{}{}
	return nil
}

func (t *writeTx) persist(dk dirtyKey) error {
	if dk.kind == "acl" {
		return writeYAML(filepath.Join(t.s.dir, aclFile), t.s.acl)
	}

	var value interface{}
	var present bool
	switch dk.kind {
	case dirConfigurations:
		value, present = lookup(t.s.configurations, dk.key)
	case dirComposites:
		value, present = lookup(t.s.composites, dk.key)
	case dirScopeTypes:
		value, present = lookup(t.s.scopeTypes, dk.key)
	case dirNodes:
		value, present = lookup(t.s.nodes, dk.key)
	case dirParameters:
		value, present = lookup(t.s.parameters, dk.key)
	case dirSchemas:
		value, present = lookup(t.s.schemas, dk.key)
	case dirRegKeys:
		value, present = lookup(t.s.regKeys, dk.key)
	case dirReports:
		if log, ok := t.s.reports[dk.key]; ok {
			value, present = &reportLog{NodeID: dk.key, Reports: log}, true
		}
	case dirUsers:
		value, present = lookup(t.s.users, dk.key)
	case dirGroups:
		value, present = lookup(t.s.groups, dk.key)
	case dirRoles:
		value, present = lookup(t.s.roles, dk.key)
	case dirTokens:
		value, present = lookup(t.s.tokens, dk.key)
	default:
		return fmt.Errorf("unknown aggregate kind %q", dk.kind)
	}

	path := filepath.Join(t.s.dir, dk.kind, sanitizeFilename(dk.key)+".yaml")
	if !present {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		return nil
	}
	return writeYAML(path, value)
}

func lookup[V any](m map[string]V, key string) (interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	return v, true
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// sanitizeFilename maps an aggregate key to a safe file name. Keys are
// validated names, UUIDs or hex digests, so this only guards against
// surprises.
func sanitizeFilename(key string) string {
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	key = strings.ReplaceAll(key, "/", "_")
	if key == "" || key == "." || key == ".." {
		return "_"
	}
	return key
}
