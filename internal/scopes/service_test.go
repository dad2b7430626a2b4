package scopes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := NewService(st)
	require.NoError(t, svc.EnsureSystemTypes(context.Background()))
	return svc, st
}

func TestEnsureSystemTypes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	types, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, types, 2)

	assert.Equal(t, store.ScopeTypeDefault, types[0].Name)
	assert.Equal(t, 0, types[0].Precedence)
	assert.True(t, types[0].IsSystem)
	assert.False(t, types[0].AllowsValues)

	assert.Equal(t, store.ScopeTypeNode, types[1].Name)
	assert.True(t, types[1].IsSystem)
	assert.True(t, types[1].AllowsValues)
	assert.Greater(t, types[1].Precedence, types[0].Precedence)

	// Idempotent on restart.
	require.NoError(t, svc.EnsureSystemTypes(ctx))
	again, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestCreateScopeType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	region, err := svc.Create(ctx, "Region", 10, true)
	require.NoError(t, err)
	assert.Equal(t, "Region", region.Name)
	assert.Equal(t, 10, region.Precedence)
	assert.True(t, region.AllowsValues)
	assert.False(t, region.IsSystem)
	assert.NotEmpty(t, region.ID)

	_, err = svc.Create(ctx, "Region", 20, true)
	assert.True(t, api.IsConflict(err))

	_, err = svc.Create(ctx, "Environment", 10, true)
	assert.True(t, api.IsConflict(err), "duplicate precedence must be rejected")

	_, err = svc.Create(ctx, "Zero", 0, true)
	assert.True(t, api.IsValidation(err))

	_, err = svc.Create(ctx, "bad name!", 30, true)
	assert.True(t, api.IsValidation(err))
}

func TestNodeStaysHighest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	types, err := svc.List(ctx)
	require.NoError(t, err)
	nodePrec := types[len(types)-1].Precedence

	// Creating a type at or above Node's precedence shifts Node up.
	_, err = svc.Create(ctx, "Region", nodePrec, true)
	require.NoError(t, err)

	types, err = svc.List(ctx)
	require.NoError(t, err)
	last := types[len(types)-1]
	assert.Equal(t, store.ScopeTypeNode, last.Name)
	assert.Greater(t, last.Precedence, nodePrec)
}

func TestUpdateScopeType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	region, err := svc.Create(ctx, "Region", 10, true)
	require.NoError(t, err)

	renamed, err := svc.Update(ctx, region.ID, "Realm", 0)
	require.NoError(t, err)
	assert.Equal(t, "Realm", renamed.Name)
	assert.Equal(t, 10, renamed.Precedence, "zero precedence means keep current")

	moved, err := svc.Update(ctx, region.ID, "", 25)
	require.NoError(t, err)
	assert.Equal(t, "Realm", moved.Name)
	assert.Equal(t, 25, moved.Precedence)

	// System types are read-only.
	types, err := svc.List(ctx)
	require.NoError(t, err)
	def := types[0]
	_, err = svc.Update(ctx, def.ID, "Base", 0)
	assert.True(t, api.IsConflict(err))

	_, err = svc.Update(ctx, "missing", "X", 5)
	assert.True(t, api.IsNotFound(err))
}

func TestReorderScopeTypes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	region, err := svc.Create(ctx, "Region", 10, true)
	require.NoError(t, err)
	env, err := svc.Create(ctx, "Environment", 15, true)
	require.NoError(t, err)

	// Swap the two in one call.
	err = svc.Reorder(ctx, map[string]int{region.ID: 15, env.ID: 10})
	require.NoError(t, err)

	types, err := svc.List(ctx)
	require.NoError(t, err)
	byName := map[string]int{}
	for _, st := range types {
		byName[st.Name] = st.Precedence
	}
	assert.Equal(t, 15, byName["Region"])
	assert.Equal(t, 10, byName["Environment"])
	assert.Greater(t, byName[store.ScopeTypeNode], 15)

	// Partial mappings are rejected.
	err = svc.Reorder(ctx, map[string]int{region.ID: 20})
	assert.True(t, api.IsValidation(err))

	// Duplicate precedences are rejected.
	err = svc.Reorder(ctx, map[string]int{region.ID: 20, env.ID: 20})
	assert.True(t, api.IsConflict(err))
}

func TestScopeValues(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	region, err := svc.Create(ctx, "Region", 10, true)
	require.NoError(t, err)

	require.NoError(t, svc.AddValue(ctx, region.ID, "US-West"))
	require.NoError(t, svc.AddValue(ctx, region.ID, "EU-Central"))
	err = svc.AddValue(ctx, region.ID, "US-West")
	assert.True(t, api.IsConflict(err))
	err = svc.AddValue(ctx, region.ID, "bad value!")
	assert.True(t, api.IsValidation(err))

	got, err := svc.Get(ctx, region.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"US-West", "EU-Central"}, got.Values)

	// Values on system types are rejected.
	types, err := svc.List(ctx)
	require.NoError(t, err)
	for _, ty := range types {
		if ty.IsSystem {
			err = svc.AddValue(ctx, ty.ID, "anything")
			assert.True(t, api.IsConflict(err), "scope type %s", ty.Name)
		}
	}

	// A tagged value cannot be deleted.
	err = st.Update(func(tx store.WriteTx) error {
		tx.SaveNode(&store.Node{
			ID:   "n1",
			FQDN: "web-01.example.com",
			Tags: []*store.NodeTag{{ScopeTypeID: region.ID, ScopeValue: "US-West"}},
		})
		return nil
	})
	require.NoError(t, err)

	err = svc.DeleteValue(ctx, region.ID, "US-West")
	assert.True(t, api.IsConflict(err))
	require.NoError(t, svc.DeleteValue(ctx, region.ID, "EU-Central"))

	got, err = svc.Get(ctx, region.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"US-West"}, got.Values)
}

func TestDeleteScopeType(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	region, err := svc.Create(ctx, "Region", 10, true)
	require.NoError(t, err)

	// Referenced by a node tag: blocked.
	err = st.Update(func(tx store.WriteTx) error {
		tx.SaveNode(&store.Node{
			ID:   "n1",
			FQDN: "web-01.example.com",
			Tags: []*store.NodeTag{{ScopeTypeID: region.ID, ScopeValue: "US-West"}},
		})
		return nil
	})
	require.NoError(t, err)
	err = svc.Delete(ctx, region.ID)
	assert.True(t, api.IsConflict(err))

	// Untag, then referenced by a parameter file: still blocked.
	err = st.Update(func(tx store.WriteTx) error {
		n := tx.Node("n1").Clone()
		n.Tags = nil
		tx.SaveNode(n)
		tx.SaveParameterSet(&store.ParameterSet{
			ConfigurationID: "cfg-1",
			Files: []*store.ParameterFile{
				{ID: "p1", ScopeTypeID: region.ID, ScopeValue: "US-West", Version: "1.0.0"},
			},
		})
		return nil
	})
	require.NoError(t, err)
	err = svc.Delete(ctx, region.ID)
	assert.True(t, api.IsConflict(err))

	// Clear the parameter reference: delete succeeds.
	err = st.Update(func(tx store.WriteTx) error {
		tx.DeleteParameterSet("cfg-1")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, region.ID))

	_, err = svc.Get(ctx, region.ID)
	assert.True(t, api.IsNotFound(err))

	// System types cannot be deleted.
	types, err := svc.List(ctx)
	require.NoError(t, err)
	for _, ty := range types {
		err = svc.Delete(ctx, ty.ID)
		assert.True(t, api.IsConflict(err), "scope type %s", ty.Name)
	}
}
