package downloader_test

import (
	"archive/tar"
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/manifest"
)

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))

		_, err := io.WriteString(tw, content)
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func respond(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		ContentLength: int64(len(body)),
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
}

func cleanup(t *testing.T, d *downloader.Downloaded) {
	t.Helper()
	t.Cleanup(func() { _ = os.RemoveAll(d.RootDir) })
}

func TestDownload_RepositoryTarball(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"repo-abc123/package.json":      `{"name": "pkg", "version": "9.9.9"}`,
		"repo-abc123/index.js":          "module.exports = 1",
		"repo-abc123/package-lock.json": "{}",
	})

	var gotURL string

	dl := downloader.New(downloader.WithDoer(doerFunc(func(req *http.Request) (*http.Response, error) {
		gotURL = req.URL.String()

		return respond(http.StatusOK, archive), nil
	})))

	m := &manifest.Manifest{
		Name:       "pkg",
		Version:    "1.0.0",
		GitHead:    "abc123",
		Repository: &manifest.Repository{URL: "https://github.com/owner/repo"},
	}

	got, err := dl.Download(t.Context(), m)
	require.NoError(t, err)
	cleanup(t, got)

	assert.Equal(t, "https://codeload.github.com/owner/repo/tar.gz/abc123", gotURL)
	assert.Equal(t, downloader.SourceGitHub, got.Source)
	assert.Equal(t, "abc123", got.GitRef)
	assert.Equal(t, got.RootDir, got.PackageDir)

	// Registry wins version, disk provides the rest.
	assert.Equal(t, "1.0.0", got.Manifest.Version)

	assert.FileExists(t, filepath.Join(got.PackageDir, "index.js"))
	assert.NoFileExists(t, filepath.Join(got.PackageDir, "package-lock.json"))
}

func TestDownload_FallsBackToRegistryTarball(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"package/package.json": `{"name": "pkg", "version": "1.0.0"}`,
	})

	dl := downloader.New(downloader.WithDoer(doerFunc(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Host, "codeload") {
			return respond(http.StatusNotFound, nil), nil
		}

		return respond(http.StatusOK, archive), nil
	})))

	m := &manifest.Manifest{
		Name:       "pkg",
		Version:    "1.0.0",
		Repository: &manifest.Repository{URL: "https://github.com/owner/gone"},
		Dist:       &manifest.Dist{Tarball: "https://registry.npmjs.org/pkg/-/pkg-1.0.0.tgz"},
	}

	got, err := dl.Download(t.Context(), m)
	require.NoError(t, err)
	cleanup(t, got)

	assert.Equal(t, downloader.SourceNPM, got.Source)
	assert.Empty(t, got.GitRef)
}

func TestDownload_MetadataOnly(t *testing.T) {
	t.Parallel()

	dl := downloader.New(downloader.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")

		return nil, nil
	})))

	m := &manifest.Manifest{Name: "pkg", Version: "1.0.0"}

	got, err := dl.Download(t.Context(), m)
	require.NoError(t, err)
	cleanup(t, got)

	assert.Equal(t, downloader.SourceMetadata, got.Source)

	// The manifest is still written so disk collectors can run.
	assert.FileExists(t, filepath.Join(got.PackageDir, "package.json"))
}

func TestDownload_MonorepoPackageDir(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"repo-HEAD/package.json":            `{"name": "monorepo-root"}`,
		"repo-HEAD/packages/a/package.json": `{"name": "pkg", "version": "1.0.0"}`,
	})

	dl := downloader.New(downloader.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, archive), nil
	})))

	m := &manifest.Manifest{
		Name:       "pkg",
		Version:    "1.0.0",
		Repository: &manifest.Repository{URL: "https://github.com/owner/repo"},
	}

	got, err := dl.Download(t.Context(), m)
	require.NoError(t, err)
	cleanup(t, got)

	assert.Equal(t, filepath.Join(got.RootDir, "packages", "a"), got.PackageDir)
}

func TestDownload_TooManyFilesFails(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"package/package.json": `{"name": "pkg"}`,
		"package/a.js":         "1",
		"package/b.js":         "2",
	})

	dl := downloader.New(
		downloader.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
			return respond(http.StatusOK, archive), nil
		})),
		downloader.WithLimits(2, downloader.DefaultMaxTarballSize),
	)

	m := &manifest.Manifest{
		Name:    "pkg",
		Version: "1.0.0",
		Dist:    &manifest.Dist{Tarball: "https://registry.npmjs.org/pkg/-/pkg-1.0.0.tgz"},
	}

	got, err := dl.Download(t.Context(), m)
	require.Error(t, err)
	assert.Equal(t, errkind.TooManyFiles, errkind.Of(err))
	assert.Nil(t, got)
}

func TestDownload_OversizedTarballFails(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"package/package.json": `{"name": "pkg"}`,
	})

	dl := downloader.New(
		downloader.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
			return respond(http.StatusOK, archive), nil
		})),
		downloader.WithLimits(downloader.DefaultMaxFiles, 10),
	)

	m := &manifest.Manifest{
		Name:    "pkg",
		Version: "1.0.0",
		Dist:    &manifest.Dist{Tarball: "https://registry.npmjs.org/pkg/-/pkg-1.0.0.tgz"},
	}

	got, err := dl.Download(t.Context(), m)
	require.Error(t, err)
	assert.Equal(t, errkind.TarballTooLarge, errkind.Of(err))
	assert.Nil(t, got)
}

func TestDownload_OversizedRepositoryTarballDoesNotFallBack(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"repo-HEAD/package.json": `{"name": "pkg"}`,
	})

	requests := 0

	dl := downloader.New(
		downloader.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
			requests++

			return respond(http.StatusOK, archive), nil
		})),
		downloader.WithLimits(downloader.DefaultMaxFiles, 10),
	)

	m := &manifest.Manifest{
		Name:       "pkg",
		Version:    "1.0.0",
		Repository: &manifest.Repository{URL: "https://github.com/owner/repo"},
		Dist:       &manifest.Dist{Tarball: "https://registry.npmjs.org/pkg/-/pkg-1.0.0.tgz"},
	}

	got, err := dl.Download(t.Context(), m)
	require.Error(t, err)
	assert.Equal(t, errkind.TarballTooLarge, errkind.Of(err))
	assert.Nil(t, got)

	// The registry tarball was never attempted.
	assert.Equal(t, 1, requests)
}

func TestDownload_EscapingEntryFails(t *testing.T) {
	t.Parallel()

	archive := tarball(t, map[string]string{
		"package/../../evil": "nope",
	})

	dl := downloader.New(downloader.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, archive), nil
	})))

	m := &manifest.Manifest{
		Name:    "pkg",
		Version: "1.0.0",
		Dist:    &manifest.Dist{Tarball: "https://registry.npmjs.org/pkg/-/pkg-1.0.0.tgz"},
	}

	got, err := dl.Download(t.Context(), m)
	require.Error(t, err)
	assert.Equal(t, errkind.MalformedArchive, errkind.Of(err))
	assert.Nil(t, got)
}
