package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func testConfiguration(name string) *Configuration {
	return &Configuration{
		ID:         "id-" + name,
		Name:       name,
		EntryPoint: "main.dsc.yaml",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Versions: []*ConfigurationVersion{
			{
				Version:   "1.0.0",
				CreatedAt: time.Now().UTC().Truncate(time.Second),
				Files: []*ConfigurationFile{
					{Path: "main.dsc.yaml", Size: 4, SHA256: "abcd", BlobID: "blob-1"},
				},
			},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	err = s.Update(func(tx WriteTx) error {
		tx.SaveConfiguration(testConfiguration("WebServer"))
		tx.SaveScopeType(&ScopeType{ID: "st-1", Name: "Region", Precedence: 10, AllowsValues: true, Values: []string{"US-West"}})
		tx.SaveNode(&Node{ID: "n-1", FQDN: "web-1.example.com", RegisteredAt: time.Now().UTC()})
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A fresh open sees everything that was committed.
	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.View(func(tx ReadTx) error {
		cfg := tx.Configuration("WebServer")
		require.NotNil(t, cfg)
		assert.Equal(t, "main.dsc.yaml", cfg.EntryPoint)
		require.Len(t, cfg.Versions, 1)
		require.Len(t, cfg.Versions[0].Files, 1)
		assert.Equal(t, "abcd", cfg.Versions[0].Files[0].SHA256)

		st := tx.ScopeTypeByName("Region")
		require.NotNil(t, st)
		assert.True(t, st.HasValue("US-West"))

		assert.NotNil(t, tx.NodeByFQDN("WEB-1.example.com"))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Update(func(tx WriteTx) error {
		tx.SaveConfiguration(testConfiguration("Keep"))
		return nil
	}))

	boom := errors.New("boom")
	err := s.Update(func(tx WriteTx) error {
		tx.SaveConfiguration(testConfiguration("Discard"))
		tx.DeleteConfiguration("Keep")
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(func(tx ReadTx) error {
		assert.Nil(t, tx.Configuration("Discard"))
		assert.NotNil(t, tx.Configuration("Keep"))
		return nil
	}))
}

func TestWriteTxReadsItsOwnWrites(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.Update(func(tx WriteTx) error {
		tx.SaveConfiguration(testConfiguration("New"))
		got := tx.Configuration("New")
		require.NotNil(t, got)

		tx.DeleteConfiguration("New")
		assert.Nil(t, tx.Configuration("New"))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.View(func(tx ReadTx) error {
		assert.Nil(t, tx.Configuration("New"))
		return nil
	}))
}

func TestScopeTypesSortedByPrecedence(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Update(func(tx WriteTx) error {
		tx.SaveScopeType(&ScopeType{ID: "c", Name: "Node", Precedence: 100})
		tx.SaveScopeType(&ScopeType{ID: "a", Name: "Default", Precedence: 0})
		tx.SaveScopeType(&ScopeType{ID: "b", Name: "Region", Precedence: 10})
		return nil
	}))

	require.NoError(t, s.View(func(tx ReadTx) error {
		types := tx.ScopeTypes()
		require.Len(t, types, 3)
		assert.Equal(t, "Default", types[0].Name)
		assert.Equal(t, "Region", types[1].Name)
		assert.Equal(t, "Node", types[2].Name)
		return nil
	}))
}

func TestParameterSetActivationSlot(t *testing.T) {
	s, _ := openTestStore(t)

	set := &ParameterSet{
		ConfigurationID: "cfg-1",
		Files: []*ParameterFile{
			{ID: "p1", ScopeTypeID: "st-1", ScopeValue: "US-West", Version: "1.0.0", IsActive: true},
			{ID: "p2", ScopeTypeID: "st-1", ScopeValue: "US-West", Version: "1.1.0"},
			{ID: "p3", ScopeTypeID: "st-1", ScopeValue: "EU", Version: "1.0.0", IsActive: true},
		},
	}
	require.NoError(t, s.Update(func(tx WriteTx) error {
		tx.SaveParameterSet(set)
		return nil
	}))

	require.NoError(t, s.View(func(tx ReadTx) error {
		got := tx.ParameterSet("cfg-1")
		require.NotNil(t, got)
		active := got.Active("st-1", "US-West")
		require.NotNil(t, active)
		assert.Equal(t, "p1", active.ID)
		assert.Nil(t, got.Active("st-2", "US-West"))
		assert.NotNil(t, got.Find("st-1", "US-West", "1.1.0"))
		assert.Nil(t, got.Find("st-1", "US-West", "9.9.9"))
		return nil
	}))
}

func TestReportsNewestFirstWithLimit(t *testing.T) {
	s, _ := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(func(tx WriteTx) error {
		for i := 0; i < 5; i++ {
			tx.AppendReport(&Report{
				ID:        string(rune('a' + i)),
				NodeID:    "n-1",
				Operation: "test",
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				ExitCode:  0,
			})
		}
		return nil
	}))

	require.NoError(t, s.View(func(tx ReadTx) error {
		all := tx.Reports("n-1", 0)
		require.Len(t, all, 5)
		assert.Equal(t, "e", all[0].ID)
		assert.Equal(t, "a", all[4].ID)

		limited := tx.Reports("n-1", 2)
		require.Len(t, limited, 2)
		assert.Equal(t, "e", limited[0].ID)
		assert.Equal(t, "d", limited[1].ID)

		assert.Empty(t, tx.Reports("unknown", 0))
		return nil
	}))
}

func TestReportsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(tx WriteTx) error {
		tx.AppendReport(&Report{ID: "r1", NodeID: "n-1", Operation: "set", Timestamp: time.Now().UTC(), Raw: []byte(`{"ok":true}`)})
		return nil
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.View(func(tx ReadTx) error {
		reports := tx.Reports("n-1", 0)
		require.Len(t, reports, 1)
		assert.Equal(t, "set", reports[0].Operation)
		assert.JSONEq(t, `{"ok":true}`, string(reports[0].Raw))
		return nil
	}))
}

func TestBlobStore(t *testing.T) {
	s, _ := openTestStore(t)
	blobs := s.Blobs()

	require.NoError(t, PutBytes(blobs, "0123abcd", []byte("hello")))

	data, err := blobs.Bytes("0123abcd")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, err := blobs.Size("0123abcd")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	rc, err := blobs.Open("0123abcd")
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	require.NoError(t, blobs.Delete("0123abcd"))
	_, err = blobs.Bytes("0123abcd")
	require.Error(t, err)

	// Deleting again is fine.
	require.NoError(t, blobs.Delete("0123abcd"))
}

func TestRegistrationKeyUsable(t *testing.T) {
	now := time.Now()
	maxTwo := 2

	tests := []struct {
		name string
		key  RegistrationKey
		want bool
	}{
		{
			name: "valid unlimited",
			key:  RegistrationKey{ExpiresAt: now.Add(time.Hour), UseCount: 100},
			want: true,
		},
		{
			name: "expired",
			key:  RegistrationKey{ExpiresAt: now.Add(-time.Minute)},
			want: false,
		},
		{
			name: "under max uses",
			key:  RegistrationKey{ExpiresAt: now.Add(time.Hour), UseCount: 1, MaxUses: &maxTwo},
			want: true,
		},
		{
			name: "at max uses",
			key:  RegistrationKey{ExpiresAt: now.Add(time.Hour), UseCount: 2, MaxUses: &maxTwo},
			want: false,
		},
		{
			name: "revoked",
			key:  RegistrationKey{ExpiresAt: now.Add(time.Hour), RevokedAt: &now},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Usable(now))
		})
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"WebServer", "web-server_2.0", "a", "A.B-C_d"} {
		assert.NoError(t, ValidateName("name", ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a b", "a/b", "a\\b", "über", "a:b"} {
		assert.Error(t, ValidateName("name", bad), bad)
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := testConfiguration("Orig")
	clone := cfg.Clone()
	clone.Versions[0].Files[0].SHA256 = "mutated"
	clone.Versions[0].IsArchived = true
	assert.Equal(t, "abcd", cfg.Versions[0].Files[0].SHA256)
	assert.False(t, cfg.Versions[0].IsArchived)

	node := &Node{ID: "n", Tags: []*NodeTag{{ScopeTypeID: "st", ScopeValue: "v"}}, Assignment: &NodeAssignment{Configuration: "c"}}
	nodeClone := node.Clone()
	nodeClone.Tags[0].ScopeValue = "other"
	nodeClone.Assignment.Configuration = "changed"
	assert.Equal(t, "v", node.Tags[0].ScopeValue)
	assert.Equal(t, "c", node.Assignment.Configuration)

	set := &ParameterSet{ConfigurationID: "c", Files: []*ParameterFile{{ID: "p", IsActive: true}}}
	setClone := set.Clone()
	setClone.Files[0].IsActive = false
	assert.True(t, set.Files[0].IsActive)
}
