package analysis_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/store"
)

type recordingCollector struct {
	name string

	mu  sync.Mutex
	ran bool
}

func (r *recordingCollector) Name() string { return r.name }

func (r *recordingCollector) Collect(context.Context, *collectors.Input, *collectors.Collected) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ran = true

	return nil
}

func (r *recordingCollector) didRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ran
}

func guardEngine(t *testing.T, tree *manifest.Manifest, gh, src *recordingCollector) *analysis.Engine {
	t.Helper()

	download := downloaderFunc(func(context.Context, *manifest.Manifest) (*downloader.Downloaded, error) {
		dir, err := os.MkdirTemp("", "npmlens-test-")
		require.NoError(t, err)

		return &downloader.Downloaded{
			RootDir:      dir,
			PackageDir:   dir,
			Source:       downloader.SourceGitHub,
			TreeManifest: tree,
		}, nil
	})

	return analysis.New(analysis.Options{
		Registry: fetcherFunc(func(_ context.Context, name string) (*manifest.Packument, error) {
			return packument(name), nil
		}),
		Store:      store.NewMem(),
		Downloader: download,
		Collectors: []collectors.Collector{metadataOnly{}, gh, src},
	})
}

func TestAnalyze_ForeignRepositorySkipsRepositoryCollectors(t *testing.T) {
	t.Parallel()

	gh := &recordingCollector{name: "github"}
	src := &recordingCollector{name: "source"}

	tree := &manifest.Manifest{Name: "some-other-package"}

	engine := guardEngine(t, tree, gh, src)

	_, err := engine.Analyze(t.Context(), "pkg")
	require.NoError(t, err)

	assert.False(t, gh.didRun())
	assert.False(t, src.didRun())
}

func TestAnalyze_SharedMaintainerKeepsRepositoryCollectors(t *testing.T) {
	t.Parallel()

	gh := &recordingCollector{name: "github"}
	src := &recordingCollector{name: "source"}

	tree := &manifest.Manifest{
		Name:        "some-other-package",
		Maintainers: []manifest.Person{{Name: "alice"}},
	}

	engine := guardEngine(t, tree, gh, src)

	// The requested manifest carries no maintainers, so ownership is
	// still foreign: verify the negative first.
	_, err := engine.Analyze(t.Context(), "pkg")
	require.NoError(t, err)
	assert.False(t, gh.didRun())

	// Same tree, but now the packument shares a maintainer.
	gh2 := &recordingCollector{name: "github"}
	src2 := &recordingCollector{name: "source"}

	download := downloaderFunc(func(context.Context, *manifest.Manifest) (*downloader.Downloaded, error) {
		dir, err := os.MkdirTemp("", "npmlens-test-")
		require.NoError(t, err)

		return &downloader.Downloaded{
			RootDir:      dir,
			PackageDir:   dir,
			Source:       downloader.SourceGitHub,
			TreeManifest: tree,
		}, nil
	})

	engine2 := analysis.New(analysis.Options{
		Registry: fetcherFunc(func(_ context.Context, name string) (*manifest.Packument, error) {
			pkg := packument(name)
			pkg.Maintainers = []manifest.Person{{Name: "alice"}}

			return pkg, nil
		}),
		Store:      store.NewMem(),
		Downloader: download,
		Collectors: []collectors.Collector{metadataOnly{}, gh2, src2},
	})

	_, err = engine2.Analyze(t.Context(), "pkg")
	require.NoError(t, err)

	assert.True(t, gh2.didRun())
	assert.True(t, src2.didRun())
}

func TestAnalyze_MatchingTreeNameKeepsRepositoryCollectors(t *testing.T) {
	t.Parallel()

	gh := &recordingCollector{name: "github"}
	src := &recordingCollector{name: "source"}

	engine := guardEngine(t, &manifest.Manifest{Name: "pkg"}, gh, src)

	_, err := engine.Analyze(t.Context(), "pkg")
	require.NoError(t, err)

	assert.True(t, gh.didRun())
	assert.True(t, src.didRun())
}
