package params

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/merge"
	"github.com/opendsc/opendsc/internal/store"
)

type fixture struct {
	store    store.Store
	svc      *Service
	configID string

	defaultID string
	regionID  string
	envID     string
	nodeID    string // scope type id of Node

	webNode string // node id of web-01
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:     st,
		svc:       NewService(st, opts...),
		configID:  "cfg-web",
		defaultID: "st-default",
		regionID:  "st-region",
		envID:     "st-env",
		nodeID:    "st-node",
		webNode:   "node-web-01",
	}
	err = st.Update(func(tx store.WriteTx) error {
		tx.SaveScopeType(&store.ScopeType{ID: f.defaultID, Name: store.ScopeTypeDefault, Precedence: 0, IsSystem: true})
		tx.SaveScopeType(&store.ScopeType{ID: f.regionID, Name: "Region", Precedence: 10, AllowsValues: true, Values: []string{"US-West", "EU-Central"}})
		tx.SaveScopeType(&store.ScopeType{ID: f.envID, Name: "Environment", Precedence: 15, AllowsValues: true, Values: []string{"Production"}})
		tx.SaveScopeType(&store.ScopeType{ID: f.nodeID, Name: store.ScopeTypeNode, Precedence: 100, AllowsValues: true, IsSystem: true})
		tx.SaveConfiguration(&store.Configuration{ID: f.configID, Name: "WebServer", CreatedAt: time.Now()})
		tx.SaveNode(&store.Node{
			ID:   f.webNode,
			FQDN: "web-01.example.com",
			Tags: []*store.NodeTag{
				{ScopeTypeID: f.regionID, ScopeValue: "US-West"},
				{ScopeTypeID: f.envID, ScopeValue: "Production"},
			},
		})
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) upload(t *testing.T, scopeTypeID, scopeValue, version, content string, activate bool) *store.ParameterFile {
	t.Helper()
	file, err := f.svc.Upload(context.Background(), api.UploadParameterRequest{
		ConfigurationID: f.configID,
		ScopeTypeID:     scopeTypeID,
		ScopeValue:      scopeValue,
		Version:         version,
		Content:         []byte(content),
		ContentType:     merge.ContentTypeYAML,
		Activate:        activate,
	})
	require.NoError(t, err)
	return file
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := api.UploadParameterRequest{
		ConfigurationID: f.configID,
		ScopeTypeID:     f.defaultID,
		Version:         "1.0.0",
		Content:         []byte("a: 1\n"),
		ContentType:     merge.ContentTypeYAML,
	}

	tests := []struct {
		name   string
		mutate func(*api.UploadParameterRequest)
		check  func(error) bool
	}{
		{"missing configuration", func(r *api.UploadParameterRequest) { r.ConfigurationID = "nope" }, api.IsNotFound},
		{"missing scope type", func(r *api.UploadParameterRequest) { r.ScopeTypeID = "nope" }, api.IsNotFound},
		{"default with value", func(r *api.UploadParameterRequest) { r.ScopeValue = "x" }, api.IsValidation},
		{"bad version", func(r *api.UploadParameterRequest) { r.Version = "v1" }, api.IsValidation},
		{"empty content", func(r *api.UploadParameterRequest) { r.Content = nil }, api.IsValidation},
		{"malformed yaml", func(r *api.UploadParameterRequest) { r.Content = []byte(": bad") }, api.IsValidation},
		{"region without value", func(r *api.UploadParameterRequest) { r.ScopeTypeID = f.regionID }, api.IsValidation},
		{"unknown region value", func(r *api.UploadParameterRequest) {
			r.ScopeTypeID = f.regionID
			r.ScopeValue = "Mars"
		}, api.IsNotFound},
		{"node scope with unknown fqdn", func(r *api.UploadParameterRequest) {
			r.ScopeTypeID = f.nodeID
			r.ScopeValue = "ghost.example.com"
		}, api.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.svc.Upload(ctx, req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	// The happy path still works after all the rejections.
	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\n", false)
	_, err := f.svc.Upload(ctx, base)
	assert.True(t, api.IsConflict(err), "duplicate version must conflict")
}

func TestActivationExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\n", true)
	f.upload(t, f.defaultID, "", "1.1.0", "a: 1\nb: 2\n", false)

	files, err := f.svc.List(ctx, f.configID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, files[0].IsActive)
	assert.False(t, files[1].IsActive)

	activated, err := f.svc.Activate(ctx, f.configID, f.defaultID, "", "1.1.0")
	require.NoError(t, err)
	assert.True(t, activated.IsActive)

	files, err = f.svc.List(ctx, f.configID)
	require.NoError(t, err)
	actives := 0
	for _, file := range files {
		if file.IsActive {
			actives++
			assert.Equal(t, "1.1.0", file.Version)
		}
		if file.Version == "1.0.0" {
			assert.True(t, file.IsArchived, "replaced active must be archived")
		}
	}
	assert.Equal(t, 1, actives)

	// Archived versions never reactivate.
	_, err = f.svc.Activate(ctx, f.configID, f.defaultID, "", "1.0.0")
	assert.True(t, api.IsArchived(err))

	// Re-activating the active version is a no-op.
	again, err := f.svc.Activate(ctx, f.configID, f.defaultID, "", "1.1.0")
	require.NoError(t, err)
	assert.True(t, again.IsActive)

	_, err = f.svc.Activate(ctx, f.configID, f.defaultID, "", "9.9.9")
	assert.True(t, api.IsNotFound(err))
}

func TestSchemaDeduplication(t *testing.T) {
	f := newFixture(t)

	// Same shape, different values: one schema row.
	v1 := f.upload(t, f.defaultID, "", "1.0.0", "a: 1\nb: two\n", false)
	v2 := f.upload(t, f.defaultID, "", "1.0.1", "a: 99\nb: other\n", false)
	assert.Equal(t, v1.SchemaHash, v2.SchemaHash)

	// New top-level key: new schema row.
	v3 := f.upload(t, f.defaultID, "", "1.1.0", "a: 1\nb: two\nc: 3\n", false)
	assert.NotEqual(t, v1.SchemaHash, v3.SchemaHash)

	err := f.store.View(func(tx store.ReadTx) error {
		assert.Len(t, tx.Schemas(), 2)
		require.NotNil(t, tx.Schema(v1.SchemaHash))
		require.NotNil(t, tx.Schema(v3.SchemaHash))
		return nil
	})
	require.NoError(t, err)

	data, err := f.svc.SchemaJSON(context.Background(), v1.SchemaHash)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"properties"`)

	_, err = f.svc.SchemaJSON(context.Background(), "deadbeef")
	assert.True(t, api.IsNotFound(err))
}

func TestUploadComplianceEnforced(t *testing.T) {
	f := newFixture(t, WithSemVerEnforcement(true))
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\nb: 2\n", false)

	// Identical shape on a patch: fine.
	f.upload(t, f.defaultID, "", "1.0.1", "a: 7\nb: 8\n", false)

	// Additive on a patch: violation.
	_, err := f.svc.Upload(ctx, api.UploadParameterRequest{
		ConfigurationID: f.configID,
		ScopeTypeID:     f.defaultID,
		Version:         "1.0.2",
		Content:         []byte("a: 1\nb: 2\nc: 3\n"),
		ContentType:     merge.ContentTypeYAML,
	})
	require.Error(t, err)
	assert.True(t, api.IsSemVerViolation(err))

	// Additive on a minor: fine.
	f.upload(t, f.defaultID, "", "1.1.0", "a: 1\nb: 2\nc: 3\n", false)

	// Breaking (removed key) on a minor: violation; on a major: fine.
	_, err = f.svc.Upload(ctx, api.UploadParameterRequest{
		ConfigurationID: f.configID,
		ScopeTypeID:     f.defaultID,
		Version:         "1.2.0",
		Content:         []byte("a: 1\n"),
		ContentType:     merge.ContentTypeYAML,
	})
	require.Error(t, err)
	assert.True(t, api.IsSemVerViolation(err))
	f.upload(t, f.defaultID, "", "2.0.0", "a: 1\n", false)

	// Backports are never checked against the newest version.
	f.upload(t, f.defaultID, "", "1.0.0-hotfix.1", "z: 1\n", false)
}

func TestUploadComplianceWarnOnly(t *testing.T) {
	f := newFixture(t)

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\nb: 2\n", false)
	// Violation is logged, not fatal, when enforcement is off.
	f.upload(t, f.defaultID, "", "1.0.1", "a: 1\n", false)
}

func TestDeleteParameterVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active := f.upload(t, f.defaultID, "", "1.0.0", "a: 1\n", true)
	draft := f.upload(t, f.defaultID, "", "1.1.0", "b: str\n", false)

	err := f.svc.Delete(ctx, f.configID, f.defaultID, "", "1.0.0")
	assert.True(t, api.IsConflict(err), "active version must not be deletable")

	require.NoError(t, f.svc.Delete(ctx, f.configID, f.defaultID, "", "1.1.0"))
	files, err := f.svc.List(ctx, f.configID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "1.0.0", files[0].Version)

	_, err = f.store.Blobs().Bytes(draft.BlobID)
	assert.Error(t, err, "content of a deleted version must be gone")
	_, err = f.store.Blobs().Bytes(active.BlobID)
	assert.NoError(t, err)

	// The draft's schema had no other referent and was collected; the
	// active version's schema stays.
	err = f.store.View(func(tx store.ReadTx) error {
		assert.Nil(t, tx.Schema(draft.SchemaHash))
		assert.NotNil(t, tx.Schema(active.SchemaHash))
		return nil
	})
	require.NoError(t, err)

	err = f.svc.Delete(ctx, f.configID, f.defaultID, "", "9.9.9")
	assert.True(t, api.IsNotFound(err))
}
