package nodes

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/bundle"
	"github.com/opendsc/opendsc/internal/configs"
	"github.com/opendsc/opendsc/internal/params"
	"github.com/opendsc/opendsc/internal/store"
)

type fixture struct {
	store   store.Store
	svc     *Service
	configs *configs.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	err = st.Update(func(tx store.WriteTx) error {
		tx.SaveScopeType(&store.ScopeType{ID: "st-default", Name: store.ScopeTypeDefault, Precedence: 0, IsSystem: true})
		tx.SaveScopeType(&store.ScopeType{ID: "st-region", Name: "Region", Precedence: 10, AllowsValues: true, Values: []string{"US-West", "EU-Central"}})
		tx.SaveScopeType(&store.ScopeType{ID: "st-canary", Name: "Canary", Precedence: 20})
		tx.SaveScopeType(&store.ScopeType{ID: "st-node", Name: store.ScopeTypeNode, Precedence: 100, AllowsValues: true, IsSystem: true})
		return nil
	})
	require.NoError(t, err)

	ps := params.NewService(st)
	return &fixture{
		store:   st,
		svc:     NewService(st, bundle.NewBuilder(st, ps)),
		configs: configs.NewService(st),
	}
}

func (f *fixture) register(t *testing.T, fqdn, fingerprint string) *store.Node {
	t.Helper()
	_, token, err := f.svc.IssueKey(context.Background(), "tester", 7, nil)
	require.NoError(t, err)
	node, err := f.svc.Register(context.Background(), api.RegisterNodeRequest{
		RegistrationKey: token,
		FQDN:            fqdn,
		CertFingerprint: fingerprint,
		CertSubject:     "CN=" + fqdn,
		CertNotAfter:    time.Now().Add(90 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return node
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, token, err := f.svc.IssueKey(ctx, "tester", 7, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	node, err := f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: token,
		FQDN:            "web-01.example.com",
		CertFingerprint: "fp-aaa",
		CertSubject:     "CN=web-01.example.com",
		CertNotAfter:    time.Now().Add(90 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, "fp-aaa", node.CertFingerprint)

	keys, err := f.svc.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, 1, keys[0].UseCount)

	// Re-registration keeps the node's identity and replaces the credential.
	again, err := f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: token,
		FQDN:            "web-01.example.com",
		CertFingerprint: "fp-bbb",
	})
	require.NoError(t, err)
	assert.Equal(t, node.ID, again.ID)
	assert.Equal(t, "fp-bbb", again.CertFingerprint)

	// A fingerprint can only belong to one node.
	_, err = f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: token,
		FQDN:            "web-02.example.com",
		CertFingerprint: "fp-bbb",
	})
	assert.True(t, api.IsConflict(err))

	_, err = f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: "reg_bogus",
		FQDN:            "web-03.example.com",
		CertFingerprint: "fp-ccc",
	})
	assert.True(t, api.IsUnauthorized(err))
}

func TestRegisterKeyLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	one := 1
	_, token, err := f.svc.IssueKey(ctx, "tester", 7, &one)
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: token,
		FQDN:            "a.example.com",
		CertFingerprint: "fp-a",
	})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: token,
		FQDN:            "b.example.com",
		CertFingerprint: "fp-b",
	})
	assert.True(t, api.IsUnauthorized(err), "spent keys must not register further nodes")

	// Expired keys are rejected even with uses left.
	expired, expiredToken, err := f.svc.IssueKey(ctx, "tester", 7, nil)
	require.NoError(t, err)
	err = f.store.Update(func(tx store.WriteTx) error {
		k := tx.RegistrationKey(expired.ID).Clone()
		k.ExpiresAt = time.Now().Add(-time.Hour)
		tx.SaveRegistrationKey(k)
		return nil
	})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: expiredToken,
		FQDN:            "c.example.com",
		CertFingerprint: "fp-c",
	})
	assert.True(t, api.IsUnauthorized(err))

	// Revoked keys are rejected; revoking twice is a no-op.
	_, revokedToken, err := f.svc.IssueKey(ctx, "tester", 7, nil)
	require.NoError(t, err)
	keys, err := f.svc.ListKeys(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.RevokeKey(ctx, keys[0].ID))
	require.NoError(t, f.svc.RevokeKey(ctx, keys[0].ID))
	_, err = f.svc.Register(ctx, api.RegisterNodeRequest{
		RegistrationKey: revokedToken,
		FQDN:            "d.example.com",
		CertFingerprint: "fp-d",
	})
	assert.True(t, api.IsUnauthorized(err))

	err = f.svc.RevokeKey(ctx, "ghost")
	assert.True(t, api.IsNotFound(err))

	zero := 0
	_, _, err = f.svc.IssueKey(ctx, "tester", 7, &zero)
	assert.True(t, api.IsValidation(err))
}

func TestRotateCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node := f.register(t, "web-01.example.com", "fp-old")
	f.register(t, "web-02.example.com", "fp-other")

	err := f.svc.RotateCertificate(ctx, node.ID, api.CertificateUpdate{
		Fingerprint: "fp-new",
		Subject:     "CN=web-01.example.com",
		NotAfter:    time.Now().Add(90 * 24 * time.Hour),
	})
	require.NoError(t, err)

	found, err := f.svc.LookupByFingerprint(ctx, "fp-new")
	require.NoError(t, err)
	assert.Equal(t, node.ID, found.ID)
	_, err = f.svc.LookupByFingerprint(ctx, "fp-old")
	assert.True(t, api.IsNotFound(err), "the old certificate stops matching")

	err = f.svc.RotateCertificate(ctx, node.ID, api.CertificateUpdate{Fingerprint: "fp-other"})
	assert.True(t, api.IsConflict(err), "cannot rotate onto another node's fingerprint")

	err = f.svc.RotateCertificate(ctx, "ghost", api.CertificateUpdate{Fingerprint: "fp-x"})
	assert.True(t, api.IsNotFound(err))
}

func TestTagging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node := f.register(t, "web-01.example.com", "fp-a")

	require.NoError(t, f.svc.Tag(ctx, node.ID, "st-region", "US-West"))
	require.NoError(t, f.svc.Tag(ctx, node.ID, "st-canary", ""))

	got, err := f.svc.Get(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, got.Tags, 2)

	// Tagging the same type again replaces the value.
	require.NoError(t, f.svc.Tag(ctx, node.ID, "st-region", "EU-Central"))
	got, err = f.svc.Get(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, got.Tags, 2)
	assert.Equal(t, "EU-Central", got.Tag("st-region").ScopeValue)

	err = f.svc.Tag(ctx, node.ID, "st-default", "")
	assert.True(t, api.IsValidation(err), "system types are implicit")
	err = f.svc.Tag(ctx, node.ID, "st-region", "Mars")
	assert.True(t, api.IsNotFound(err))
	err = f.svc.Tag(ctx, node.ID, "st-region", "")
	assert.True(t, api.IsValidation(err))
	err = f.svc.Tag(ctx, node.ID, "st-canary", "on")
	assert.True(t, api.IsValidation(err), "valueless types take no value")

	require.NoError(t, f.svc.Untag(ctx, node.ID, "st-region", "EU-Central"))
	err = f.svc.Untag(ctx, node.ID, "st-region", "EU-Central")
	assert.True(t, api.IsNotFound(err))
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node := f.register(t, "web-01.example.com", "fp-a")
	_, err := f.configs.Create(ctx, api.CreateConfigurationRequest{
		Name:       "WebServer",
		EntryPoint: "main.dsc.yaml",
		Version:    "1.0.0",
		Files:      []api.FileUpload{{Path: "main.dsc.yaml", Content: []byte("x")}},
	})
	require.NoError(t, err)
	_, err = f.configs.UploadVersion(ctx, api.UploadVersionRequest{
		Configuration: "WebServer",
		Version:       "1.1.0",
		IsDraft:       true,
		Files:         []api.FileUpload{{Path: "main.dsc.yaml", Content: []byte("y")}},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{
		Configuration:              "WebServer",
		UseServerManagedParameters: true,
	}))
	got, err := f.svc.Get(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Assignment)
	assert.True(t, got.Assignment.UseServerManagedParameters)

	err = f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{Configuration: "WebServer", PinnedVersion: "1.1.0"})
	assert.True(t, api.IsValidation(err), "drafts cannot be pinned")
	err = f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{Configuration: "WebServer", PinnedVersion: "9.9.9"})
	assert.True(t, api.IsNotFound(err))
	err = f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{Configuration: "WebServer", Composite: "Stack"})
	assert.True(t, api.IsValidation(err))
	err = f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{Configuration: "Ghost"})
	assert.True(t, api.IsNotFound(err))

	// Empty assignment clears.
	require.NoError(t, f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{}))
	got, err = f.svc.Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Assignment)
}

func TestBundleDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node := f.register(t, "web-01.example.com", "fp-a")
	_, err := f.configs.Create(ctx, api.CreateConfigurationRequest{
		Name:       "WebServer",
		EntryPoint: "main.dsc.yaml",
		Version:    "1.0.0",
		Files:      []api.FileUpload{{Path: "main.dsc.yaml", Content: []byte("resources: []\n")}},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Assign(ctx, node.ID, api.NodeConfigurationInfo{Configuration: "WebServer"}))

	checksum, err := f.svc.ConfigurationChecksum(ctx, node.ID)
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	var buf bytes.Buffer
	info, err := f.svc.StreamBundle(ctx, node.ID, &buf)
	require.NoError(t, err)
	assert.Equal(t, checksum, info.ManifestChecksum)
	assert.Equal(t, int64(buf.Len()), info.Bytes)
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node := f.register(t, "web-01.example.com", "fp-a")

	inDesired := true
	first, err := f.svc.SubmitReport(ctx, node.ID, api.ReportSubmission{
		Operation: "test",
		ExitCode:  0,
		Resources: []api.ResourceResultInfo{{Type: "File", Name: "motd", InDesiredState: &inDesired}},
		Raw:       []byte(`{"hadErrors":false}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = f.svc.SubmitReport(ctx, node.ID, api.ReportSubmission{Operation: "set", ExitCode: 1})
	require.NoError(t, err)

	reports, err := f.svc.Reports(ctx, node.ID, 0)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "set", reports[0].Operation, "newest first")

	limited, err := f.svc.Reports(ctx, node.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	_, err = f.svc.SubmitReport(ctx, node.ID, api.ReportSubmission{})
	assert.True(t, api.IsValidation(err))
	_, err = f.svc.SubmitReport(ctx, "ghost", api.ReportSubmission{Operation: "test"})
	assert.True(t, api.IsNotFound(err))

	// Reports go away with the node.
	require.NoError(t, f.svc.Delete(ctx, node.ID))
	_, err = f.svc.Reports(ctx, node.ID, 0)
	assert.True(t, api.IsNotFound(err))
}
