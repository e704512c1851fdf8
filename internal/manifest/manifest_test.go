package manifest_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/manifest"
)

func packumentWithLatest(t *testing.T, name string, versionDoc string) *manifest.Packument {
	t.Helper()

	return &manifest.Packument{
		Name:     name,
		DistTags: map[string]string{"latest": "1.2.3"},
		Versions: map[string]json.RawMessage{
			"1.2.3": json.RawMessage(versionDoc),
		},
	}
}

func TestBuild_NormalizesLatestManifest(t *testing.T) {
	t.Parallel()

	pkg := packumentWithLatest(t, "cross-spawn", `{
		"name": "cross-spawn",
		"version": "1.2.3",
		"repository": {"type": "git", "url": "git+https://github.com/moxystudio/node-cross-spawn.git/"},
		"license": "MIT",
		"scripts": {"test": "mocha"}
	}`)

	m, err := manifest.Build("cross-spawn", pkg)
	require.NoError(t, err)

	assert.Equal(t, "cross-spawn", m.Name)
	assert.Equal(t, "1.2.3", m.Version)
	assert.Equal(t, "https://github.com/moxystudio/node-cross-spawn", m.Repository.URL)
	assert.Equal(t, manifest.License("MIT"), m.License)
	assert.True(t, m.HasTestScript())
}

func TestBuild_DefaultsVersion(t *testing.T) {
	t.Parallel()

	pkg := packumentWithLatest(t, "bare", `{"name": "bare"}`)

	m, err := manifest.Build("bare", pkg)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", m.Version)
}

func TestBuild_NameMismatchIsUnrecoverable(t *testing.T) {
	t.Parallel()

	pkg := packumentWithLatest(t, "other-package", `{"name": "other-package"}`)

	_, err := manifest.Build("requested", pkg)
	require.Error(t, err)
	assert.Equal(t, errkind.NameMismatch, errkind.Of(err))
	assert.True(t, errkind.Unrecoverable(errkind.Of(err)))
}

func TestBuild_SchemaViolation(t *testing.T) {
	t.Parallel()

	pkg := packumentWithLatest(t, "bad", `{"name": "bad", "scripts": {"test": 42}}`)

	_, err := manifest.Build("bad", pkg)
	require.Error(t, err)
	assert.Equal(t, errkind.ManifestInvalid, errkind.Of(err))
}

func TestBuild_UnpublishedPackageKeepsBareManifest(t *testing.T) {
	t.Parallel()

	pkg := &manifest.Packument{Name: "ghost"}

	m, err := manifest.Build("ghost", pkg)
	require.NoError(t, err)
	assert.Equal(t, "ghost", m.Name)
	assert.Equal(t, "0.0.1", m.Version)
}

func TestBuild_FallsBackToPackumentReadmeAndMaintainers(t *testing.T) {
	t.Parallel()

	pkg := packumentWithLatest(t, "doc", `{"name": "doc", "version": "1.2.3"}`)
	pkg.Readme = "# doc"
	pkg.Maintainers = []manifest.Person{{Name: "alice"}}

	m, err := manifest.Build("doc", pkg)
	require.NoError(t, err)
	assert.Equal(t, "# doc", m.Readme)
	require.Len(t, m.Maintainers, 1)
	assert.Equal(t, "alice", m.Maintainers[0].Name)
}

func TestNormalizeRepositoryURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"git+https://github.com/user/repo.git", "https://github.com/user/repo"},
		{"git://github.com/user/repo.git", "https://github.com/user/repo"},
		{"ssh://git@github.com/user/repo.git", "https://github.com/user/repo"},
		{"git@github.com:user/repo.git", "https://github.com/user/repo"},
		{"github:user/repo", "https://github.com/user/repo"},
		{"gitlab:user/repo", "https://gitlab.com/user/repo"},
		{"bitbucket:user/repo", "https://bitbucket.org/user/repo"},
		{"https://github.com/user/repo/", "https://github.com/user/repo"},
		{"https://github.com/user/repo/tree/main/packages/sub", "https://github.com/user/repo"},
		{"http://github.com/user/repo", "https://github.com/user/repo"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, manifest.NormalizeRepositoryURL(tt.in), tt.in)
	}
}

func TestRepositorySlug(t *testing.T) {
	t.Parallel()

	host, owner, repo, ok := manifest.RepositorySlug("https://github.com/moxystudio/node-cross-spawn")
	require.True(t, ok)
	assert.Equal(t, "github.com", host)
	assert.Equal(t, "moxystudio", owner)
	assert.Equal(t, "node-cross-spawn", repo)

	_, _, _, ok = manifest.RepositorySlug("https://example.com")
	assert.False(t, ok)
}

func TestLicense_Forms(t *testing.T) {
	t.Parallel()

	var m manifest.Manifest

	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","license":{"type":"mit"}}`), &m))
	assert.Equal(t, manifest.License("MIT"), m.License)

	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","license":[{"type":"MIT"},{"type":"Apache-2.0"}]}`), &m))
	assert.Equal(t, manifest.License("MIT OR Apache-2.0"), m.License)

	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","license":"apache 2.0"}`), &m))
	assert.Equal(t, manifest.License("Apache-2.0"), m.License)
}

func TestStringList_Forms(t *testing.T) {
	t.Parallel()

	var m manifest.Manifest

	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","bundledDependencies":["x","y"]}`), &m))
	assert.Equal(t, manifest.StringList{"x", "y"}, m.BundledDependencies)

	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","bundledDependencies":true}`), &m))
	assert.Nil(t, m.BundledDependencies)
}

func TestHasTestScript_IgnoresScaffold(t *testing.T) {
	t.Parallel()

	m := manifest.Manifest{Scripts: map[string]string{
		"test": `echo "Error: no test specified" && exit 1`,
	}}
	assert.False(t, m.HasTestScript())
}
