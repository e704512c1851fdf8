// Package downloader materializes a package's source tree on local
// disk. It prefers the repository host tarball (which includes tests
// and CI config the published tarball strips), falls back to the
// registry tarball, and finally to a metadata-only directory so the
// rest of the pipeline always has something to look at.
package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/httpx"
	"github.com/npmlens/npmlens/internal/manifest"
)

// Defaults for the extraction guards.
const (
	DefaultMaxFiles       = 32768
	DefaultMaxTarballSize = 256 << 20
)

// Source names which strategy produced the tree.
type Source string

const (
	SourceGitHub    Source = "github"
	SourceGitLab    Source = "gitlab"
	SourceBitbucket Source = "bitbucket"
	SourceNPM       Source = "npm"
	SourceGit       Source = "git"
	SourceMetadata  Source = "metadata"
)

// Downloaded describes a materialized package tree.
type Downloaded struct {
	// RootDir is the extraction root. The caller owns it and must
	// remove it when done.
	RootDir string

	// PackageDir is where the requested package lives. Differs from
	// RootDir for monorepos.
	PackageDir string

	// Source is the strategy that produced the tree.
	Source Source

	// GitRef is the repository ref that was fetched, when the source
	// is a repository host.
	GitRef string

	// Manifest is the effective manifest: the on-disk package.json
	// merged with the registry manifest, registry winning name and
	// version.
	Manifest *manifest.Manifest

	// HadLockfile records whether the tree shipped a lockfile before
	// normalization removed it.
	HadLockfile bool

	// TreeManifest is the package.json found in the tree before the
	// registry manifest was merged over it. Nil when the tree carried
	// none. Callers use it to detect a repository claimed by a
	// different package.
	TreeManifest *manifest.Manifest
}

// Downloader fetches package source trees.
type Downloader struct {
	doer    httpx.Doer
	logger  *slog.Logger
	tempDir string

	maxFiles       int
	maxTarballSize int64

	// gitRefs overrides the fetched ref for specific packages whose
	// default branch does not match their published code.
	gitRefs map[string]string

	cloner cloner
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithDoer replaces the HTTP transport.
func WithDoer(d httpx.Doer) Option {
	return func(dl *Downloader) { dl.doer = d }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(dl *Downloader) { dl.logger = l }
}

// WithTempDir places extraction roots under dir instead of the
// system temp directory.
func WithTempDir(dir string) Option {
	return func(dl *Downloader) { dl.tempDir = dir }
}

// WithLimits replaces the extraction guards.
func WithLimits(maxFiles int, maxTarballSize int64) Option {
	return func(dl *Downloader) {
		dl.maxFiles = maxFiles
		dl.maxTarballSize = maxTarballSize
	}
}

// WithGitRefs installs per-package ref overrides.
func WithGitRefs(refs map[string]string) Option {
	return func(dl *Downloader) { dl.gitRefs = refs }
}

// New creates a Downloader.
func New(opts ...Option) *Downloader {
	dl := &Downloader{
		doer:           &http.Client{Timeout: 5 * time.Minute},
		logger:         slog.Default(),
		maxFiles:       DefaultMaxFiles,
		maxTarballSize: DefaultMaxTarballSize,
		cloner:         gitCloner{},
	}

	for _, opt := range opts {
		opt(dl)
	}

	return dl
}

// Download materializes the source tree for m. Unavailable tarballs
// degrade from repository through registry down to a metadata-only
// directory; archive guard trips abort the download instead.
func (dl *Downloader) Download(ctx context.Context, m *manifest.Manifest) (*Downloaded, error) {
	root, err := os.MkdirTemp(dl.tempDir, "npmlens-")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	result, err := dl.fill(ctx, root, m)
	if err != nil {
		_ = os.RemoveAll(root)

		return nil, err
	}

	return result, nil
}

func (dl *Downloader) fill(ctx context.Context, root string, m *manifest.Manifest) (*Downloaded, error) {
	if m.Repository != nil {
		if host, owner, repo, ok := manifest.RepositorySlug(m.Repository.URL); ok {
			result, err := dl.fromHost(ctx, root, m, host, owner, repo)
			if err == nil {
				return result, nil
			}
			if !tolerable(err) {
				return nil, err
			}

			dl.logger.DebugContext(ctx, "repository tarball unavailable, falling back",
				slog.String("package", m.Name),
				slog.String("repository", m.Repository.URL),
				slog.Any("error", err))
		}
	}

	if m.Dist != nil && m.Dist.Tarball != "" {
		err := dl.fetchTarball(ctx, root, m.Dist.Tarball)
		if err == nil {
			return dl.finish(root, m, SourceNPM, "")
		}
		if !tolerable(err) {
			return nil, err
		}

		dl.logger.DebugContext(ctx, "registry tarball unavailable, falling back",
			slog.String("package", m.Name), slog.Any("error", err))
	}

	// Nothing downloadable. Leave an empty tree with the manifest so
	// collectors still run.
	return dl.finish(root, m, SourceMetadata, "")
}

// fromHost downloads the repository archive at the resolved ref,
// retrying the default branch when a pinned ref is gone, and cloning
// over git as a last resort for hosts without archive endpoints.
func (dl *Downloader) fromHost(ctx context.Context, root string, m *manifest.Manifest, host, owner, repo string) (*Downloaded, error) {
	source, archive := hostArchive(host, owner, repo)

	if archive == nil {
		if err := dl.clone(ctx, root, m.Repository.URL); err != nil {
			return nil, err
		}

		return dl.finish(root, m, SourceGit, "")
	}

	ref := dl.resolveRef(m)

	err := dl.fetchTarball(ctx, root, archive(ref))
	if err != nil && ref != defaultRef && httpx.IsStatus(err, http.StatusNotFound) {
		// The pinned ref was rewritten or garbage collected.
		ref = defaultRef
		err = dl.fetchTarball(ctx, root, archive(ref))
	}
	if err != nil {
		return nil, err
	}

	return dl.finish(root, m, source, ref)
}

func (dl *Downloader) clone(ctx context.Context, root, repoURL string) error {
	if err := dl.cloner.clone(ctx, repoURL, root); err != nil {
		return errkind.Wrap(errkind.CollectorTolerated,
			fmt.Errorf("clone %q: %w", repoURL, err))
	}

	return nil
}

// resolveRef picks the repository ref to fetch: operator override,
// then the publish-time commit, then the default branch.
func (dl *Downloader) resolveRef(m *manifest.Manifest) string {
	if ref, ok := dl.gitRefs[m.Name]; ok {
		return ref
	}

	if m.GitHead != "" {
		return m.GitHead
	}

	return defaultRef
}

// finish normalizes the extracted tree: locate the package directory
// (monorepo aware), merge manifests, and drop lockfiles.
func (dl *Downloader) finish(root string, m *manifest.Manifest, source Source, ref string) (*Downloaded, error) {
	pkgDir := findPackageDir(root, m.Name)
	treeManifest := readManifestAt(pkgDir)

	merged, err := mergeManifest(pkgDir, m)
	if err != nil {
		return nil, err
	}

	hadLockfile := removeLockfiles(pkgDir)

	return &Downloaded{
		RootDir:      root,
		PackageDir:   pkgDir,
		Source:       source,
		GitRef:       ref,
		Manifest:     merged,
		HadLockfile:  hadLockfile,
		TreeManifest: treeManifest,
	}, nil
}

// tolerable reports whether a download failure should degrade to the
// next strategy instead of failing the analysis. Archive guard trips
// (oversized tarball, too many files, malformed stream) are not
// tolerable: they fail the package permanently.
func tolerable(err error) bool {
	if errkind.Is(err, errkind.CollectorTolerated) {
		return true
	}

	return httpx.IsStatus(err, http.StatusNotFound) ||
		httpx.IsStatus(err, http.StatusForbidden) ||
		httpx.IsStatus(err, http.StatusUnauthorized) ||
		httpx.IsStatus(err, http.StatusUnavailableForLegalReasons)
}
