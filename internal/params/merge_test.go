package params

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

func TestMergeForNodeFullChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\nb: 2\nc:\n  x: 10\n", true)
	f.upload(t, f.regionID, "US-West", "1.0.0", "a: 2\nc:\n  y: 20\n", true)
	f.upload(t, f.envID, "Production", "1.0.0", "a: 3\n", true)

	outcome, err := f.svc.MergeForNode(ctx, f.webNode, f.configID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)

	assert.Equal(t, []string{"Default", "Region:US-West", "Environment:Production"}, outcome.Sources)
	assert.Equal(t, map[string]interface{}{
		"a": 3,
		"b": 2,
		"c": map[string]interface{}{"x": 10, "y": 20},
	}, outcome.Result.Merged)

	entry := outcome.Result.Entry("a")
	require.NotNil(t, entry)
	assert.Equal(t, "Environment:Production", entry.Source)
	require.Len(t, entry.OverriddenBy, 2)
	assert.Equal(t, "Region:US-West", entry.OverriddenBy[0].Source)
	assert.Equal(t, 2, entry.OverriddenBy[0].Value)
	assert.Equal(t, "Default", entry.OverriddenBy[1].Source)
	assert.Equal(t, 1, entry.OverriddenBy[1].Value)

	b := outcome.Result.Entry("b")
	require.NotNil(t, b)
	assert.Empty(t, b.OverriddenBy)
}

func TestMergeForNodeIncludesNodeScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\n", true)
	f.upload(t, f.nodeID, "web-01.example.com", "1.0.0", "a: 42\nlocal: true\n", true)

	outcome, err := f.svc.MergeForNode(ctx, f.webNode, f.configID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)

	assert.Equal(t, []string{"Default", "Node:web-01.example.com"}, outcome.Sources)
	assert.Equal(t, 42, outcome.Result.Merged["a"])
	assert.Equal(t, true, outcome.Result.Merged["local"])
	assert.Equal(t, "Node:web-01.example.com", outcome.Result.Entry("a").Source)
}

func TestMergeForNodeSkipsUntaggedScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An active file for a region the node is not tagged with stays out.
	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\n", true)
	f.upload(t, f.regionID, "EU-Central", "1.0.0", "a: 2\n", true)

	outcome, err := f.svc.MergeForNode(ctx, f.webNode, f.configID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, []string{"Default"}, outcome.Sources)
	assert.Equal(t, 1, outcome.Result.Merged["a"])
}

func TestMergeForNodeIgnoresDrafts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\n", true)
	f.upload(t, f.defaultID, "", "2.0.0", "a: 99\n", false)

	outcome, err := f.svc.MergeForNode(ctx, f.webNode, f.configID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, 1, outcome.Result.Merged["a"], "draft must not contribute")
}

func TestMergeForNodeEmptyChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.MergeForNode(ctx, f.webNode, f.configID)
	require.NoError(t, err)
	assert.Nil(t, outcome.Result)

	data, err := outcome.YAML()
	require.NoError(t, err)
	assert.Nil(t, data, "no sources means no document")
}

func TestMergeForNodeSkipsMissingContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\nb: 2\n", true)
	region := f.upload(t, f.regionID, "US-West", "1.0.0", "a: 2\n", true)

	// Metadata row exists, content is gone: the source is skipped and the
	// merge still succeeds.
	require.NoError(t, f.store.Blobs().Delete(region.BlobID))

	outcome, err := f.svc.MergeForNode(ctx, f.webNode, f.configID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, []string{"Default"}, outcome.Sources)
	assert.Equal(t, 1, outcome.Result.Merged["a"])
}

func TestMergeForNodeUnknownInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.MergeForNode(ctx, "ghost", f.configID)
	assert.True(t, api.IsNotFound(err))

	_, err = f.svc.MergeForNode(ctx, f.webNode, "ghost")
	assert.True(t, api.IsNotFound(err))
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, f.defaultID, "", "1.0.0", "a: 1\nb: 2\nc:\n  x: 10\n", true)
	f.upload(t, f.regionID, "US-West", "1.0.0", "a: 2\nc:\n  y: 20\n", true)
	f.upload(t, f.envID, "Production", "1.0.0", "a: 3\n", true)

	// Preview shows Default plus exactly the requested scope.
	outcome, err := f.svc.Preview(ctx, f.configID, f.regionID, "US-West")
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, []string{"Default", "Region:US-West"}, outcome.Sources)
	assert.Equal(t, map[string]interface{}{
		"a": 2,
		"b": 2,
		"c": map[string]interface{}{"x": 10, "y": 20},
	}, outcome.Result.Merged)

	// Previewing Default itself yields only the Default document.
	outcome, err = f.svc.Preview(ctx, f.configID, f.defaultID, "")
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, []string{"Default"}, outcome.Sources)
	assert.Equal(t, 1, outcome.Result.Merged["a"])

	_, err = f.svc.Preview(ctx, f.configID, f.regionID, "Mars")
	assert.True(t, api.IsNotFound(err))
}

func TestResolveNodeConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unassigned node with no explicit name.
	_, err := f.svc.ResolveNodeConfiguration(ctx, f.webNode, "")
	assert.True(t, api.IsValidation(err))

	// Explicit name works regardless of assignment.
	id, err := f.svc.ResolveNodeConfiguration(ctx, f.webNode, "WebServer")
	require.NoError(t, err)
	assert.Equal(t, f.configID, id)

	// Assignment is used when no name is given.
	err = f.store.Update(func(tx store.WriteTx) error {
		n := tx.Node(f.webNode).Clone()
		n.Assignment = &store.NodeAssignment{Configuration: "WebServer"}
		tx.SaveNode(n)
		return nil
	})
	require.NoError(t, err)
	id, err = f.svc.ResolveNodeConfiguration(ctx, f.webNode, "")
	require.NoError(t, err)
	assert.Equal(t, f.configID, id)

	// A composite assignment needs an explicit child name.
	err = f.store.Update(func(tx store.WriteTx) error {
		n := tx.Node(f.webNode).Clone()
		n.Assignment = &store.NodeAssignment{Composite: "FullWebStack"}
		tx.SaveNode(n)
		return nil
	})
	require.NoError(t, err)
	_, err = f.svc.ResolveNodeConfiguration(ctx, f.webNode, "")
	assert.True(t, api.IsValidation(err))

	_, err = f.svc.ResolveNodeConfiguration(ctx, f.webNode, "Ghost")
	assert.True(t, api.IsNotFound(err))
}
