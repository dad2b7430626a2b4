package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/merge"
)

func mustHash(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	h, err := Derive(doc).Hash()
	require.NoError(t, err)
	return h
}

func TestHashIgnoresValues(t *testing.T) {
	a := map[string]interface{}{
		"port":    8080,
		"host":    "localhost",
		"debug":   true,
		"tags":    []interface{}{"a", "b"},
		"nested":  map[string]interface{}{"ttl": 30},
		"novalue": nil,
	}
	b := map[string]interface{}{
		"port":    443,
		"host":    "prod.example.com",
		"debug":   false,
		"tags":    []interface{}{"x"},
		"nested":  map[string]interface{}{"ttl": 900},
		"novalue": nil,
	}
	assert.Equal(t, mustHash(t, a), mustHash(t, b))
}

func TestHashIgnoresKeyOrderAndNumericForm(t *testing.T) {
	yamlDoc, err := merge.Decode("a", merge.ContentTypeYAML, []byte("port: 8080\nratio: 0.5\n"))
	require.NoError(t, err)
	jsonDoc, err := merge.Decode("b", merge.ContentTypeJSON, []byte(`{"ratio": 0.5, "port": 8080}`))
	require.NoError(t, err)

	// YAML decodes 8080 as int, JSON as float64; both collapse to
	// "number" so the hashes agree.
	assert.Equal(t, mustHash(t, yamlDoc), mustHash(t, jsonDoc))
}

func TestHashChangesOnShapeChange(t *testing.T) {
	base := map[string]interface{}{"a": 1, "b": "x"}

	added := map[string]interface{}{"a": 1, "b": "x", "c": true}
	assert.NotEqual(t, mustHash(t, base), mustHash(t, added))

	retyped := map[string]interface{}{"a": "now a string", "b": "x"}
	assert.NotEqual(t, mustHash(t, base), mustHash(t, retyped))
}

func TestHashIsHexLowercase(t *testing.T) {
	h := mustHash(t, map[string]interface{}{"a": 1})
	require.Len(t, h, 64)
	for _, c := range h {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "unexpected rune %q", c)
	}
}

func TestParseJSONRoundTrip(t *testing.T) {
	s := Derive(map[string]interface{}{
		"svc": map[string]interface{}{"replicas": 3},
		"on":  true,
	})
	data, err := s.CanonicalJSON()
	require.NoError(t, err)

	parsed, err := ParseJSON(data)
	require.NoError(t, err)

	h1, err := s.Hash()
	require.NoError(t, err)
	h2, err := parsed.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCompare(t *testing.T) {
	base := Derive(map[string]interface{}{
		"a": 1,
		"b": map[string]interface{}{"x": "s"},
		"l": []interface{}{1, 2},
	})

	tests := []struct {
		name    string
		next    map[string]interface{}
		kind    ChangeKind
		added   []string
		removed []string
		changed []string
	}{
		{
			name: "identical",
			next: map[string]interface{}{
				"a": 99,
				"b": map[string]interface{}{"x": "other"},
				"l": []interface{}{7},
			},
			kind: ChangeIdentical,
		},
		{
			name: "additive top level",
			next: map[string]interface{}{
				"a": 1,
				"b": map[string]interface{}{"x": "s"},
				"l": []interface{}{1},
				"c": "new",
			},
			kind:  ChangeAdditive,
			added: []string{"c"},
		},
		{
			name: "additive nested",
			next: map[string]interface{}{
				"a": 1,
				"b": map[string]interface{}{"x": "s", "y": 2},
				"l": []interface{}{1},
			},
			kind:  ChangeAdditive,
			added: []string{"b.y"},
		},
		{
			name: "removal is breaking",
			next: map[string]interface{}{
				"a": 1,
				"l": []interface{}{1},
			},
			kind:    ChangeBreaking,
			removed: []string{"b"},
		},
		{
			name: "type change is breaking",
			next: map[string]interface{}{
				"a": "string now",
				"b": map[string]interface{}{"x": "s"},
				"l": []interface{}{1},
			},
			kind:    ChangeBreaking,
			changed: []string{"a"},
		},
		{
			name: "array item type change is breaking",
			next: map[string]interface{}{
				"a": 1,
				"b": map[string]interface{}{"x": "s"},
				"l": []interface{}{"strings"},
			},
			kind:    ChangeBreaking,
			changed: []string{"l[]"},
		},
		{
			name: "removal wins over addition",
			next: map[string]interface{}{
				"a": 1,
				"b": map[string]interface{}{"x": "s"},
				"m": "replacement",
			},
			kind:    ChangeBreaking,
			added:   []string{"m"},
			removed: []string{"l"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Compare(base, Derive(tt.next))
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.added, d.Added)
			assert.Equal(t, tt.removed, d.Removed)
			assert.Equal(t, tt.changed, d.Changed)
		})
	}
}

func TestCompareEmptyArrays(t *testing.T) {
	old := Derive(map[string]interface{}{"l": []interface{}{1}})
	empty := Derive(map[string]interface{}{"l": []interface{}{}})

	// Empty arrays carry no item shape and never flag a difference.
	assert.Equal(t, ChangeIdentical, Compare(old, empty).Kind)
	assert.Equal(t, ChangeIdentical, Compare(empty, old).Kind)
}
