package configs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

func item(name, pinned string, order int) api.CompositeItemInfo {
	return api.CompositeItemInfo{Configuration: name, PinnedVersion: pinned, Order: order}
}

func TestCreateComposite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "w"))
	f.create(t, "Monitoring", "2.0.0", files("main.dsc.yaml", "m"))

	comp, err := f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
		Name:       "FullStack",
		EntryPoint: "deploy.dsc.yaml",
		Version:    "1.0.0",
		Items:      []api.CompositeItemInfo{item("Monitoring", "", 2), item("WebServer", "1.0.0", 1)},
	})
	require.NoError(t, err)
	require.Len(t, comp.Versions, 1)
	require.Len(t, comp.Versions[0].Items, 2)
	assert.Equal(t, "WebServer", comp.Versions[0].Items[0].Configuration, "items come back ordered")
	assert.Equal(t, "Monitoring", comp.Versions[0].Items[1].Configuration)

	// One namespace for configurations and composites.
	_, err = f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
		Name:       "WebServer",
		EntryPoint: "deploy.dsc.yaml",
		Version:    "1.0.0",
		Items:      []api.CompositeItemInfo{item("Monitoring", "", 1)},
	})
	assert.True(t, api.IsConflict(err))
	_, err = f.svc.Create(ctx, api.CreateConfigurationRequest{
		Name:       "FullStack",
		EntryPoint: "main.dsc.yaml",
		Version:    "1.0.0",
		Files:      files("main.dsc.yaml", "x"),
	})
	assert.True(t, api.IsConflict(err))

	tests := []struct {
		name  string
		items []api.CompositeItemInfo
		check func(error) bool
	}{
		{"no items", nil, api.IsValidation},
		{"unknown child", []api.CompositeItemInfo{item("Ghost", "", 1)}, api.IsNotFound},
		{"nested composite", []api.CompositeItemInfo{item("FullStack", "", 1)}, api.IsValidation},
		{"duplicate child", []api.CompositeItemInfo{item("WebServer", "", 1), item("WebServer", "", 2)}, api.IsValidation},
		{"duplicate order", []api.CompositeItemInfo{item("WebServer", "", 1), item("Monitoring", "", 1)}, api.IsValidation},
		{"missing pinned version", []api.CompositeItemInfo{item("WebServer", "9.9.9", 1)}, api.IsNotFound},
		{"bad pinned version", []api.CompositeItemInfo{item("WebServer", "not-semver", 1)}, api.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
				Name:       "Broken",
				EntryPoint: "deploy.dsc.yaml",
				Version:    "1.0.0",
				Items:      tt.items,
			})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestCompositePublishGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The child's only version is a draft.
	_, err := f.svc.Create(ctx, api.CreateConfigurationRequest{
		Name:       "WebServer",
		EntryPoint: "main.dsc.yaml",
		Version:    "1.0.0",
		IsDraft:    true,
		Files:      files("main.dsc.yaml", "w"),
	})
	require.NoError(t, err)

	// Publishing at create time is gated on resolvable children.
	_, err = f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
		Name:       "Stack",
		EntryPoint: "deploy.dsc.yaml",
		Version:    "1.0.0",
		Items:      []api.CompositeItemInfo{item("WebServer", "", 1)},
	})
	assert.True(t, api.IsValidation(err))

	_, err = f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
		Name:       "Stack",
		EntryPoint: "deploy.dsc.yaml",
		Version:    "1.0.0",
		IsDraft:    true,
		Items:      []api.CompositeItemInfo{item("WebServer", "", 1)},
	})
	require.NoError(t, err)

	_, err = f.svc.PublishComposite(ctx, "Stack", "1.0.0")
	assert.True(t, api.IsValidation(err), "unpublished child must block publishing")

	_, err = f.svc.Publish(ctx, "WebServer", "1.0.0")
	require.NoError(t, err)
	v, err := f.svc.PublishComposite(ctx, "Stack", "1.0.0")
	require.NoError(t, err)
	assert.False(t, v.IsDraft)

	// A pin onto a draft version blocks the same way.
	_, err = f.svc.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.0",
		IsDraft:       true,
		Files:         files("main.dsc.yaml", "w2"),
	})
	require.NoError(t, err)
	_, err = f.svc.UploadCompositeVersion(ctx, api.UploadCompositeVersionRequest{
		Composite: "Stack",
		Version:   "1.1.0",
		IsDraft:   true,
		Items:     []api.CompositeItemInfo{item("WebServer", "1.1.0", 1)},
	})
	require.NoError(t, err)
	_, err = f.svc.PublishComposite(ctx, "Stack", "1.1.0")
	assert.True(t, api.IsValidation(err))
}

func TestCompositeVersionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "w"))
	_, err := f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
		Name:       "Stack",
		EntryPoint: "deploy.dsc.yaml",
		Version:    "1.0.0",
		Items:      []api.CompositeItemInfo{item("WebServer", "", 1)},
	})
	require.NoError(t, err)

	_, err = f.svc.UploadCompositeVersion(ctx, api.UploadCompositeVersionRequest{
		Composite: "Stack",
		Version:   "1.0.0",
		Items:     []api.CompositeItemInfo{item("WebServer", "", 1)},
	})
	assert.True(t, api.IsConflict(err))

	_, err = f.svc.UploadCompositeVersion(ctx, api.UploadCompositeVersionRequest{
		Composite: "Stack",
		Version:   "1.1.0",
		IsDraft:   true,
		Items:     []api.CompositeItemInfo{item("WebServer", "1.0.0", 1)},
	})
	require.NoError(t, err)

	_, err = f.svc.ArchiveComposite(ctx, "Stack", "1.1.0")
	assert.True(t, api.IsConflict(err), "drafts cannot be archived")

	_, err = f.svc.PublishComposite(ctx, "Stack", "1.1.0")
	require.NoError(t, err)
	archived, err := f.svc.ArchiveComposite(ctx, "Stack", "1.1.0")
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)

	// Archiving again is a no-op, republishing is not.
	_, err = f.svc.ArchiveComposite(ctx, "Stack", "1.1.0")
	require.NoError(t, err)
	_, err = f.svc.PublishComposite(ctx, "Stack", "1.1.0")
	assert.True(t, api.IsArchived(err))

	_, err = f.svc.PublishComposite(ctx, "Ghost", "1.0.0")
	assert.True(t, api.IsNotFound(err))
}

func TestDeleteCompositeVersionProtections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "WebServer", "1.0.0", files("main.dsc.yaml", "w"))
	_, err := f.svc.CreateComposite(ctx, api.CreateCompositeRequest{
		Name:       "Stack",
		EntryPoint: "deploy.dsc.yaml",
		Version:    "1.0.0",
		Items:      []api.CompositeItemInfo{item("WebServer", "", 1)},
	})
	require.NoError(t, err)
	_, err = f.svc.UploadCompositeVersion(ctx, api.UploadCompositeVersionRequest{
		Composite: "Stack",
		Version:   "1.1.0",
		Items:     []api.CompositeItemInfo{item("WebServer", "", 1)},
	})
	require.NoError(t, err)

	err = f.store.Update(func(tx store.WriteTx) error {
		tx.SaveNode(&store.Node{ID: "n1", FQDN: "a.example.com", Assignment: &store.NodeAssignment{Composite: "Stack"}})
		return nil
	})
	require.NoError(t, err)

	err = f.svc.DeleteCompositeVersion(ctx, "Stack", "1.1.0")
	assert.True(t, api.IsConflict(err), "latest published version of an assigned composite is protected")
	require.NoError(t, f.svc.DeleteCompositeVersion(ctx, "Stack", "1.0.0"))

	err = f.store.Update(func(tx store.WriteTx) error {
		n := tx.Node("n1").Clone()
		n.Assignment.PinnedVersion = "1.1.0"
		tx.SaveNode(n)
		return nil
	})
	require.NoError(t, err)
	err = f.svc.DeleteCompositeVersion(ctx, "Stack", "1.1.0")
	assert.True(t, api.IsConflict(err))

	err = f.svc.DeleteComposite(ctx, "Stack")
	assert.True(t, api.IsConflict(err), "assigned composites cannot be deleted")

	err = f.store.Update(func(tx store.WriteTx) error {
		tx.DeleteNode("n1")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteComposite(ctx, "Stack"))

	_, err = f.svc.GetComposite(ctx, "Stack")
	assert.True(t, api.IsNotFound(err))
}
