package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeYAML(t *testing.T) {
	data := []byte("a: 1\nb:\n  x: hello\n")
	out, err := Decode("Default", ContentTypeYAML, data)
	require.NoError(t, err)
	// Numbers come back as float64: the YAML path decodes through the
	// JSON converter so both serializations produce identical shapes.
	assert.Equal(t, map[string]interface{}{
		"a": float64(1),
		"b": map[string]interface{}{"x": "hello"},
	}, out)
}

func TestDecodeJSON(t *testing.T) {
	data := []byte(`{"a": 1, "b": {"x": "hello"}}`)
	out, err := Decode("Default", ContentTypeJSON, data)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["b"].(map[string]interface{})["x"])
}

func TestDecodeEmpty(t *testing.T) {
	for _, ct := range []string{ContentTypeYAML, ContentTypeJSON} {
		out, err := Decode("Default", ct, nil)
		require.NoError(t, err, ct)
		assert.Empty(t, out, ct)
	}
}

func TestDecodeInvalidYAML(t *testing.T) {
	_, err := Decode("Region:US-West", ContentTypeYAML, []byte("a: [unclosed"))
	require.Error(t, err)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "Region:US-West", derr.Source)
	assert.Contains(t, derr.Error(), "Region:US-West")
}

func TestDecodeInvalidJSONCarriesOffset(t *testing.T) {
	_, err := Decode("Default", ContentTypeJSON, []byte(`{"a": 1,}`))
	require.Error(t, err)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "Default", derr.Source)
	assert.Greater(t, derr.Offset, int64(0))
}

func TestDecodeNonMapping(t *testing.T) {
	_, err := Decode("Default", ContentTypeYAML, []byte("- just\n- a\n- list\n"))
	require.Error(t, err)

	_, err = Decode("Default", ContentTypeJSON, []byte(`[1, 2, 3]`))
	require.Error(t, err)
}

func TestDecodeUnsupportedContentType(t *testing.T) {
	_, err := Decode("Default", "toml", []byte("a = 1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toml")
}

func TestResultYAMLDeterministic(t *testing.T) {
	res, err := Merge([]Document{doc("Default", 0, map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"b": 2, "a": 3},
	})})
	require.NoError(t, err)

	first, err := res.YAML()
	require.NoError(t, err)
	second, err := res.YAML()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotContains(t, string(first), "\ufeff")
}
