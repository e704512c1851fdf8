package collectors_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/manifest"
)

type latestFunc func(ctx context.Context, name string) (string, error)

func (f latestFunc) Latest(ctx context.Context, name string) (string, error) { return f(ctx, name) }

type vulnFunc func(ctx context.Context, name, version string) ([]collectors.Vulnerability, error)

func (f vulnFunc) Query(ctx context.Context, name, version string) ([]collectors.Vulnerability, error) {
	return f(ctx, name, version)
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()

	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return dir
}

func sourceInput(dir string, m *manifest.Manifest) *collectors.Input {
	return &collectors.Input{
		Manifest: m,
		Tree:     &downloader.Downloaded{RootDir: dir, PackageDir: dir},
		Now:      time.Now(),
	}
}

func TestSource_ScansTree(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{
		"README.md":      "# pkg\n![coverage](https://img.shields.io/badge/coverage-95%25-green)",
		"CHANGELOG.md":   "## 1.0.0",
		".npmignore":     "dist",
		".eslintrc.json": "{}",
		"index.js":       "module.exports = function add(a, b) { return a + b }",
		"test/index.test.js": "require('assert')",
	})

	c := collectors.NewSource(nil, vulnFunc(func(context.Context, string, string) ([]collectors.Vulnerability, error) {
		return []collectors.Vulnerability{}, nil
	}))

	out := &collectors.Collected{}
	m := &manifest.Manifest{Name: "pkg", Version: "1.0.0"}
	require.NoError(t, c.Collect(t.Context(), sourceInput(dir, m), out))

	src := out.Source
	require.NotNil(t, src)

	assert.Positive(t, src.Files.ReadmeSize)
	assert.Positive(t, src.Files.TestsSize)
	assert.True(t, src.Files.HasChangelog)
	assert.True(t, src.Files.HasNpmIgnore)
	assert.Contains(t, src.Linters, "eslint")

	require.NotNil(t, src.Coverage)
	assert.InDelta(t, 0.95, *src.Coverage, 0.001)

	require.Len(t, src.Badges, 1)

	// Lookup succeeded and found nothing: empty, not nil.
	assert.NotNil(t, src.Vulnerabilities)
	assert.Empty(t, src.Vulnerabilities)

	assert.Contains(t, src.Languages, "JavaScript")
}

func TestSource_OutdatedDependencies(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{"index.js": "1"})

	latest := latestFunc(func(_ context.Context, name string) (string, error) {
		if name == "stale" {
			return "4.0.0", nil
		}

		return "1.2.0", nil
	})

	c := collectors.NewSource(latest, nil)

	m := &manifest.Manifest{
		Name:    "pkg",
		Version: "1.0.0",
		Dependencies: map[string]string{
			"stale":   "^2.0.0",
			"current": "^1.0.0",
			"weird":   "git+https://github.com/x/y.git",
		},
	}

	out := &collectors.Collected{}
	require.NoError(t, c.Collect(t.Context(), sourceInput(dir, m), out))

	require.Len(t, out.Source.OutdatedDependencies, 1)
	assert.Equal(t, collectors.OutdatedDependency{
		Required: "^2.0.0",
		Latest:   "4.0.0",
	}, out.Source.OutdatedDependencies["stale"])

	// Advisory lookup never ran: nil marks the miss.
	assert.Nil(t, out.Source.Vulnerabilities)
}
