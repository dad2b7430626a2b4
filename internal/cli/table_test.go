package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opendsc/opendsc/internal/api"
)

func TestRenderNodes(t *testing.T) {
	var buf bytes.Buffer
	RenderNodes(&buf, []api.NodeInfo{
		{
			ID:           "node-1",
			FQDN:         "web01.example.com",
			LastSeen:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			CertNotAfter: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			Assignment:   &api.NodeConfigurationInfo{Configuration: "web", PinnedVersion: "1.2.0"},
		},
		{ID: "node-2", FQDN: "db01.example.com", Assignment: &api.NodeConfigurationInfo{Composite: "datacenter"}},
		{ID: "node-3", FQDN: "new.example.com"},
	})
	out := buf.String()
	assert.Contains(t, out, "web01.example.com")
	assert.Contains(t, out, "web@1.2.0")
	assert.Contains(t, out, "composite:datacenter")
}

func TestRenderNodesEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderNodes(&buf, nil)
	assert.Contains(t, buf.String(), "No registered nodes")
}

func TestRenderVersionsStates(t *testing.T) {
	var buf bytes.Buffer
	RenderVersions(&buf, []api.VersionInfo{
		{Version: "1.0.0"},
		{Version: "1.1.0", IsDraft: true},
		{Version: "0.9.0", IsArchived: true},
	})
	out := buf.String()
	assert.Contains(t, out, "published")
	assert.Contains(t, out, "draft")
	assert.Contains(t, out, "archived")
}

func TestRenderRetentionReportDryRun(t *testing.T) {
	var buf bytes.Buffer
	RenderRetentionReport(&buf, &api.RetentionReport{
		Examined: 12,
		DryRun:   true,
		Candidates: []api.RetentionCandidate{
			{Configuration: "web", Version: "0.1.0", Bytes: 2048},
		},
		FreedBytes: 2048,
	})
	out := buf.String()
	assert.Contains(t, out, "would delete")
	assert.Contains(t, out, "0.1.0")
}

func TestRenderRegistrationKeysUsage(t *testing.T) {
	max := 5
	var buf bytes.Buffer
	RenderRegistrationKeys(&buf, []api.RegistrationKeyInfo{
		{ID: "key-1", UseCount: 2, MaxUses: &max},
		{ID: "key-2", UseCount: 0},
	})
	out := buf.String()
	assert.Contains(t, out, "2/5")
	assert.Contains(t, out, "key-2")
}
