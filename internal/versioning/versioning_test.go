package versioning

import (
	"testing"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/schema"
)

func TestParse(t *testing.T) {
	v, err := Parse("1.2.3-rc.1+build.5")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.Major)
	assert.EqualValues(t, 2, v.Minor)
	assert.EqualValues(t, 3, v.Patch)
	require.Len(t, v.Pre, 2)

	for _, bad := range []string{"", "1", "1.2", "v1.2.3", "1.2.3.4", "01.2.3", "1.2.3-"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
		assert.True(t, api.IsValidation(err), bad)
	}
}

func TestOrdering(t *testing.T) {
	// Pre-release precedes its release; identifiers compare numerically
	// then lexicographically; numeric sorts before alphanumeric; build
	// metadata is ignored.
	ordered := []string{
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-alpha.beta",
		"1.0.0-beta",
		"1.0.0-beta.2",
		"1.0.0-beta.11",
		"1.0.0-rc.1",
		"1.0.0",
		"2.0.0",
		"2.1.0",
		"2.1.1",
	}
	for i := 0; i < len(ordered)-1; i++ {
		lo := MustParse(ordered[i])
		hi := MustParse(ordered[i+1])
		assert.True(t, lo.LT(hi), "%s < %s", ordered[i], ordered[i+1])
		assert.True(t, hi.GT(lo), "%s > %s", ordered[i+1], ordered[i])
	}

	a := MustParse("1.0.0+build.1")
	b := MustParse("1.0.0+build.2")
	assert.Equal(t, 0, a.Compare(b))
}

func TestSort(t *testing.T) {
	vs := []semver.Version{
		MustParse("2.0.0"),
		MustParse("1.0.0-rc.1"),
		MustParse("1.0.0"),
	}
	Sort(vs)
	assert.Equal(t, "1.0.0-rc.1", vs[0].String())
	assert.Equal(t, "1.0.0", vs[1].String())
	assert.Equal(t, "2.0.0", vs[2].String())

	SortDesc(vs)
	assert.Equal(t, "2.0.0", vs[0].String())
}

func TestLatest(t *testing.T) {
	vs := []semver.Version{
		MustParse("1.2.0"),
		MustParse("2.0.0-rc.1"),
		MustParse("1.9.3"),
	}

	got, err := Latest(vs, false)
	require.NoError(t, err)
	assert.Equal(t, "1.9.3", got.String())

	got, err = Latest(vs, true)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-rc.1", got.String())
}

func TestLatestEmpty(t *testing.T) {
	_, err := Latest(nil, false)
	assert.ErrorIs(t, err, ErrNoVersion)

	// Only pre-releases without opt-in behaves like an empty set.
	_, err = Latest([]semver.Version{MustParse("1.0.0-beta")}, false)
	assert.ErrorIs(t, err, ErrNoVersion)
}

func TestLatestString(t *testing.T) {
	got, err := LatestString([]string{"1.0.0", "1.10.0", "1.2.0"}, false)
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", got)

	_, err = LatestString([]string{"1.0.0", "nope"}, false)
	require.Error(t, err)
}

func TestCheckCompliance(t *testing.T) {
	breaking := schema.Diff{Kind: schema.ChangeBreaking, Removed: []string{"b"}}
	additive := schema.Diff{Kind: schema.ChangeAdditive, Added: []string{"c"}}
	identical := schema.Diff{Kind: schema.ChangeIdentical}

	tests := []struct {
		name     string
		prev     string
		next     string
		diff     schema.Diff
		ok       bool
		required string
	}{
		{name: "identical allows patch", prev: "1.0.0", next: "1.0.1", diff: identical, ok: true},
		{name: "identical allows minor", prev: "1.0.0", next: "1.1.0", diff: identical, ok: true},
		{name: "additive with minor", prev: "1.0.1", next: "1.1.0", diff: additive, ok: true},
		{name: "additive with major", prev: "1.0.1", next: "2.0.0", diff: additive, ok: true},
		{name: "additive with patch only", prev: "1.0.1", next: "1.0.2", diff: additive, required: "minor"},
		{name: "breaking with major", prev: "1.4.2", next: "2.0.0", diff: breaking, ok: true},
		{name: "breaking with minor only", prev: "1.4.2", next: "1.5.0", diff: breaking, required: "major"},
		{name: "backport skips the check", prev: "2.0.0", next: "1.0.5", diff: breaking, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompliance(MustParse(tt.prev), MustParse(tt.next), tt.diff)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, api.IsSemVerViolation(err))
			var v *api.SemVerViolationError
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.required, v.Required)
			assert.Equal(t, tt.next, v.Got)
		})
	}
}

func TestCheckComplianceSchemaDedupFlow(t *testing.T) {
	// Mirrors the patch-then-minor upload flow: identical shape across a
	// patch, then a new top-level key with a minor bump.
	v1 := map[string]interface{}{"port": 8080, "host": "a"}
	v101 := map[string]interface{}{"port": 9090, "host": "b"}
	v110 := map[string]interface{}{"port": 9090, "host": "b", "tls": true}

	s1 := schema.Derive(v1)
	s101 := schema.Derive(v101)
	s110 := schema.Derive(v110)

	h1, err := s1.Hash()
	require.NoError(t, err)
	h101, err := s101.Hash()
	require.NoError(t, err)
	h110, err := s110.Hash()
	require.NoError(t, err)

	assert.Equal(t, h1, h101)
	assert.NotEqual(t, h1, h110)

	require.NoError(t, CheckCompliance(MustParse("1.0.0"), MustParse("1.0.1"), schema.Compare(s1, s101)))
	require.NoError(t, CheckCompliance(MustParse("1.0.1"), MustParse("1.1.0"), schema.Compare(s101, s110)))
}
