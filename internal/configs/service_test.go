package configs

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

type fixture struct {
	store store.Store
	svc   *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	err = st.Update(func(tx store.WriteTx) error {
		tx.SaveScopeType(&store.ScopeType{ID: "st-default", Name: store.ScopeTypeDefault, Precedence: 0, IsSystem: true})
		tx.SaveScopeType(&store.ScopeType{ID: "st-node", Name: store.ScopeTypeNode, Precedence: 100, AllowsValues: true, IsSystem: true})
		return nil
	})
	require.NoError(t, err)
	return &fixture{store: st, svc: NewService(st, opts...)}
}

func files(pairs ...string) []api.FileUpload {
	var out []api.FileUpload
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, api.FileUpload{Path: pairs[i], Content: []byte(pairs[i+1])})
	}
	return out
}

func (f *fixture) create(t *testing.T, name, version string, uploads []api.FileUpload) *store.Configuration {
	t.Helper()
	cfg, err := f.svc.Create(context.Background(), api.CreateConfigurationRequest{
		Name:       name,
		EntryPoint: "main.dsc.yaml",
		Version:    version,
		Files:      uploads,
	})
	require.NoError(t, err)
	return cfg
}

func TestCreateConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "resources: []\n"))
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, "WebServer", cfg.Name)
	require.Len(t, cfg.Versions, 1)
	assert.True(t, cfg.Versions[0].Published())
	require.Len(t, cfg.Versions[0].Files, 1)
	assert.Equal(t, int64(len("resources: []\n")), cfg.Versions[0].Files[0].Size)
	assert.Len(t, cfg.Versions[0].Files[0].SHA256, 64)

	_, err := f.svc.Create(ctx, api.CreateConfigurationRequest{
		Name:       "WebServer",
		EntryPoint: "main.dsc.yaml",
		Version:    "1.0.0",
		Files:      files("main.dsc.yaml", "x"),
	})
	assert.True(t, api.IsConflict(err))

	tests := []struct {
		name string
		req  api.CreateConfigurationRequest
	}{
		{"bad name", api.CreateConfigurationRequest{Name: "bad name!", EntryPoint: "m.yaml", Version: "1.0.0", Files: files("m.yaml", "x")}},
		{"traversal entry point", api.CreateConfigurationRequest{Name: "A", EntryPoint: "../m.yaml", Version: "1.0.0", Files: files("m.yaml", "x")}},
		{"bad version", api.CreateConfigurationRequest{Name: "A", EntryPoint: "m.yaml", Version: "one", Files: files("m.yaml", "x")}},
		{"no files", api.CreateConfigurationRequest{Name: "A", EntryPoint: "m.yaml", Version: "1.0.0"}},
		{"traversal file path", api.CreateConfigurationRequest{Name: "A", EntryPoint: "m.yaml", Version: "1.0.0", Files: files("m.yaml", "x", "sub/../../etc", "y")}},
		{"absolute file path", api.CreateConfigurationRequest{Name: "A", EntryPoint: "m.yaml", Version: "1.0.0", Files: files("/etc/passwd", "y")}},
		{"duplicate file path", api.CreateConfigurationRequest{Name: "A", EntryPoint: "m.yaml", Version: "1.0.0", Files: files("m.yaml", "x", "m.yaml", "y")}},
		{"entry point missing", api.CreateConfigurationRequest{Name: "A", EntryPoint: "m.yaml", Version: "1.0.0", Files: files("other.yaml", "x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, api.IsValidation(err), "got %v", err)
		})
	}

	// A draft does not need its entry point yet.
	_, err = f.svc.Create(ctx, api.CreateConfigurationRequest{
		Name:       "Drafty",
		EntryPoint: "m.yaml",
		Version:    "0.1.0",
		IsDraft:    true,
		Files:      files("other.yaml", "x"),
	})
	require.NoError(t, err)
}

func TestPathNormalization(t *testing.T) {
	f := newFixture(t)

	cfg := f.create(t, "Win", "1.0.0", files(`main.dsc.yaml`, "x", `sub\conf.d\app.yaml`, "y"))
	var paths []string
	for _, file := range cfg.Versions[0].Files {
		paths = append(paths, file.Path)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"main.dsc.yaml", "sub/conf.d/app.yaml"}, paths)
}

func TestVersionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "v1"))

	v, err := f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.0",
		IsDraft:       true,
		Files:         files("main.dsc.yaml", "v2"),
	})
	require.NoError(t, err)
	assert.True(t, v.IsDraft)

	_, err = f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.0",
		Files:         files("main.dsc.yaml", "x"),
	})
	assert.True(t, api.IsConflict(err), "duplicate version must conflict")

	published, err := f.svc.Publish(ctx, "WebServer", "1.1.0")
	require.NoError(t, err)
	assert.False(t, published.IsDraft)

	// Publishing again is a no-op.
	_, err = f.svc.Publish(ctx, "WebServer", "1.1.0")
	require.NoError(t, err)

	archived, err := f.svc.Archive(ctx, "WebServer", "1.1.0")
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)

	_, err = f.svc.Publish(ctx, "WebServer", "1.1.0")
	assert.True(t, api.IsArchived(err), "archived versions cannot be republished")

	// Drafts cannot be archived.
	_, err = f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "2.0.0",
		IsDraft:       true,
		Files:         files("main.dsc.yaml", "v3"),
	})
	require.NoError(t, err)
	_, err = f.svc.Archive(ctx, "WebServer", "2.0.0")
	assert.True(t, api.IsConflict(err))

	// A draft missing the entry point cannot be published.
	_, err = f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "2.1.0",
		IsDraft:       true,
		Files:         files("other.yaml", "x"),
	})
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, "WebServer", "2.1.0")
	assert.True(t, api.IsValidation(err))

	_, err = f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "Ghost",
		Version:       "1.0.0",
		Files:         files("main.dsc.yaml", "x"),
	})
	assert.True(t, api.IsNotFound(err))
}

func TestVersionFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "resources: []\n"))

	data, err := f.svc.VersionFile(ctx, "WebServer", "1.0.0", "main.dsc.yaml")
	require.NoError(t, err)
	assert.Equal(t, "resources: []\n", string(data))

	_, err = f.svc.VersionFile(ctx, "WebServer", "1.0.0", "missing.yaml")
	assert.True(t, api.IsNotFound(err))

	_, err = f.svc.VersionFile(ctx, "WebServer", "1.0.0", "../escape")
	assert.True(t, api.IsValidation(err))
}

func TestParameterSchemaDedup(t *testing.T) {
	f := newFixture(t, WithSemVerEnforcement(true))
	ctx := context.Background()

	cfg := f.create(t, "WebServer", "1.0.0", files(
		"main.dsc.yaml", "resources: []\n",
		"parameters.yaml", "port: 8080\nhost: localhost\n",
	))
	require.Len(t, cfg.Versions, 1)
	h1 := cfg.Versions[0].SchemaHash
	require.NotEmpty(t, h1)
	assert.True(t, cfg.ServerManaged)

	// Identical shape on a patch: same row, no new schema.
	v2, err := f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.0.1",
		Files: files(
			"main.dsc.yaml", "resources: []\n",
			"parameters.yaml", "port: 9090\nhost: example.com\n",
		),
	})
	require.NoError(t, err)
	assert.Equal(t, h1, v2.SchemaHash)

	err = f.store.View(func(tx store.ReadTx) error {
		assert.Len(t, tx.Schemas(), 1)
		return nil
	})
	require.NoError(t, err)

	// A new top-level key on a minor bump passes the compliance check.
	v3, err := f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.0",
		Files: files(
			"main.dsc.yaml", "resources: []\n",
			"parameters.yaml", "port: 8080\nhost: localhost\ntls: true\n",
		),
	})
	require.NoError(t, err)
	assert.NotEqual(t, h1, v3.SchemaHash)

	err = f.store.View(func(tx store.ReadTx) error {
		assert.Len(t, tx.Schemas(), 2)
		return nil
	})
	require.NoError(t, err)

	// The same new key on a patch bump is a violation.
	_, err = f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.1",
		Files: files(
			"main.dsc.yaml", "resources: []\n",
			"parameters.yaml", "port: 8080\n",
		),
	})
	require.Error(t, err)
	assert.True(t, api.IsSemVerViolation(err))

	// Each version's parameters land as a Default-scope draft.
	err = f.store.View(func(tx store.ReadTx) error {
		set := tx.ParameterSet(cfg.ID)
		require.NotNil(t, set)
		assert.Len(t, set.Files, 3)
		for _, pf := range set.Files {
			assert.False(t, pf.IsActive, "uploads are drafts until activated")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteVersionProtections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "v1"))
	_, err := f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.0",
		Files:         files("main.dsc.yaml", "v2"),
	})
	require.NoError(t, err)

	// Unpinned node assignment protects the latest published version.
	err = f.store.Update(func(tx store.WriteTx) error {
		tx.SaveNode(&store.Node{
			ID:           "n1",
			FQDN:         "web-01.example.com",
			RegisteredAt: time.Now(),
			Assignment:   &store.NodeAssignment{Configuration: "WebServer"},
		})
		return nil
	})
	require.NoError(t, err)

	err = f.svc.DeleteVersion(ctx, "WebServer", "1.1.0")
	assert.True(t, api.IsConflict(err), "latest published version of an assigned configuration is protected")
	require.NoError(t, f.svc.DeleteVersion(ctx, "WebServer", "1.0.0"))

	// A pinned assignment protects exactly the pinned version.
	err = f.store.Update(func(tx store.WriteTx) error {
		n := tx.Node("n1").Clone()
		n.Assignment = &store.NodeAssignment{Configuration: "WebServer", PinnedVersion: "1.1.0"}
		tx.SaveNode(n)
		return nil
	})
	require.NoError(t, err)
	err = f.svc.DeleteVersion(ctx, "WebServer", "1.1.0")
	assert.True(t, api.IsConflict(err))

	// A composite pin protects the child version even without assignment.
	err = f.store.Update(func(tx store.WriteTx) error {
		n := tx.Node("n1").Clone()
		n.Assignment = nil
		tx.SaveNode(n)
		tx.SaveComposite(&store.Composite{
			ID:         "comp-1",
			Name:       "Stack",
			EntryPoint: "main.dsc.yaml",
			Versions: []*store.CompositeVersion{{
				Version: "1.0.0",
				Items:   []*store.CompositeItem{{Configuration: "WebServer", PinnedVersion: "1.1.0", Order: 1}},
			}},
		})
		return nil
	})
	require.NoError(t, err)
	err = f.svc.DeleteVersion(ctx, "WebServer", "1.1.0")
	assert.True(t, api.IsConflict(err))

	// Clearing the composite frees the version; its content goes with it.
	var blobID string
	err = f.store.View(func(tx store.ReadTx) error {
		blobID = tx.Configuration("WebServer").Version("1.1.0").Files[0].BlobID
		return nil
	})
	require.NoError(t, err)
	err = f.store.Update(func(tx store.WriteTx) error {
		tx.DeleteComposite("Stack")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteVersion(ctx, "WebServer", "1.1.0"))
	_, err = f.store.Blobs().Bytes(blobID)
	assert.Error(t, err)
}

func TestDeleteConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := f.create(t, "WebServer", "1.0.0", files(
		"main.dsc.yaml", "v1",
		"parameters.yaml", "port: 1\n",
	))

	// Referenced by a composite: blocked.
	err := f.store.Update(func(tx store.WriteTx) error {
		tx.SaveComposite(&store.Composite{
			ID:         "comp-1",
			Name:       "Stack",
			EntryPoint: "main.dsc.yaml",
			Versions: []*store.CompositeVersion{{
				Version: "1.0.0",
				Items:   []*store.CompositeItem{{Configuration: "WebServer", Order: 1}},
			}},
		})
		return nil
	})
	require.NoError(t, err)
	err = f.svc.Delete(ctx, "WebServer")
	assert.True(t, api.IsConflict(err))

	err = f.store.Update(func(tx store.WriteTx) error {
		tx.DeleteComposite("Stack")
		tx.SaveNode(&store.Node{ID: "n1", FQDN: "a.example.com", Assignment: &store.NodeAssignment{Configuration: "WebServer"}})
		return nil
	})
	require.NoError(t, err)
	err = f.svc.Delete(ctx, "WebServer")
	assert.True(t, api.IsConflict(err))

	err = f.store.Update(func(tx store.WriteTx) error {
		tx.DeleteNode("n1")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, "WebServer"))

	// Everything cascades: metadata, parameters, schemas.
	err = f.store.View(func(tx store.ReadTx) error {
		assert.Nil(t, tx.Configuration("WebServer"))
		assert.Nil(t, tx.ParameterSet(cfg.ID))
		assert.Empty(t, tx.Schemas())
		return nil
	})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "WebServer")
	assert.True(t, api.IsNotFound(err))
}
