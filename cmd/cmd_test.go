package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
)

func TestVersionCommandOutput(t *testing.T) {
	SetVersion("9.9.9")
	defer SetVersion("")

	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "opendsc version 9.9.9\n", out.String())
}

func TestSelfUpdateRefusesDevVersion(t *testing.T) {
	SetVersion("dev")
	defer SetVersion("")

	cmd := newSelfUpdateCmd()
	cmd.SetOut(bytes.NewBuffer(nil))
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "development version")
}

func TestParseCompositeItems(t *testing.T) {
	items := parseCompositeItems([]string{"base", "web@1.2.0"})
	require.Len(t, items, 2)
	assert.Equal(t, api.CompositeItemInfo{Configuration: "base", Order: 0}, items[0])
	assert.Equal(t, api.CompositeItemInfo{Configuration: "web", PinnedVersion: "1.2.0", Order: 1}, items[1])
}

func TestParameterContentType(t *testing.T) {
	assert.Equal(t, "application/json", parameterContentType("values.JSON"))
	assert.Equal(t, "application/yaml", parameterContentType("values.yaml"))
	assert.Equal(t, "application/yaml", parameterContentType("values"))
}

func TestExitCodeErrorUnwraps(t *testing.T) {
	inner := api.NewValidationError("bad")
	err := exitCodeError{code: lcmExitCertificate, err: inner}
	assert.Equal(t, "bad", err.Error())
	assert.ErrorAs(t, err, new(*api.ValidationError))
}

func TestNodeAssignRequiresExactlyOneTarget(t *testing.T) {
	cmd := newNodeAssignCmd()
	cmd.SetOut(bytes.NewBuffer(nil))
	cmd.SetErr(bytes.NewBuffer(nil))
	cmd.SetArgs([]string{"node-1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}
