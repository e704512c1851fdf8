package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/evaluators"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/store"
)

// PackageFetcher fetches registry documents. registry.Client satisfies it.
type PackageFetcher interface {
	GetPackage(ctx context.Context, name string) (*manifest.Packument, error)
}

// TreeDownloader materializes source trees. downloader.Downloader
// satisfies it.
type TreeDownloader interface {
	Download(ctx context.Context, m *manifest.Manifest) (*downloader.Downloaded, error)
}

// ScoreRemover drops a package from the search index. scoring.Scorer
// satisfies it.
type ScoreRemover interface {
	Remove(ctx context.Context, name string) error
}

// AnalysisObserver records finished analyses.
// observability.PipelineMetrics satisfies it.
type AnalysisObserver interface {
	ObserveAnalysis(outcome, kind string, elapsed time.Duration)
}

// guarded names the collectors skipped when the repository-ownership
// guard trips: both read the downloaded tree or its repository.
var guarded = map[string]bool{
	"github": true,
	"source": true,
}

// Engine analyzes one package at a time; a consumer runs several
// engines' worth of calls concurrently.
type Engine struct {
	registry   PackageFetcher
	store      store.Store
	downloader TreeDownloader
	collectors []collectors.Collector
	remover    ScoreRemover
	logger     *slog.Logger
	observer   collectors.FailureObserver
	metrics    AnalysisObserver

	// blacklist maps package name to the reason it is excluded.
	blacklist map[string]string

	now func() time.Time
}

// Options configures an Engine.
type Options struct {
	Registry   PackageFetcher
	Store      store.Store
	Downloader TreeDownloader
	Collectors []collectors.Collector
	Remover    ScoreRemover
	Logger     *slog.Logger
	Observer   collectors.FailureObserver
	Metrics    AnalysisObserver
	Blacklist  map[string]string
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		registry:   opts.Registry,
		store:      opts.Store,
		downloader: opts.Downloader,
		collectors: opts.Collectors,
		remover:    opts.Remover,
		logger:     logger,
		observer:   opts.Observer,
		metrics:    opts.Metrics,
		blacklist:  opts.Blacklist,
		now:        time.Now,
	}
}

// Analyze runs the full pipeline for name and persists the result.
//
// Unrecoverable failures persist a Doc carrying the error and still
// return the kinded error so callers can stop retrying. A missing
// package additionally deletes its stored analysis and score. Transient
// failures persist nothing; the queue requeues them.
func (e *Engine) Analyze(ctx context.Context, name string) (*Doc, error) {
	startedAt := e.now().UTC()

	doc, err := e.analyze(ctx, name, startedAt)

	elapsed := e.now().UTC().Sub(startedAt)

	switch {
	case err == nil:
		e.record("ok", "", elapsed)
	default:
		e.record("error", string(errkind.Of(err)), elapsed)
	}

	return doc, err
}

func (e *Engine) analyze(ctx context.Context, name string, startedAt time.Time) (*Doc, error) {
	if reason, listed := e.blacklist[name]; listed {
		err := errkind.Newf(errkind.Blacklisted, "package %q is blacklisted: %s", name, reason)

		return e.persistFailure(ctx, name, startedAt, err)
	}

	pkg, err := e.registry.GetPackage(ctx, name)
	if errkind.Is(err, errkind.PackageNotFound) {
		// Unpublished. Remove every trace downstream.
		return nil, e.forget(ctx, name, err)
	}
	if err != nil {
		return nil, err
	}

	m, err := manifest.Build(name, pkg)
	if err != nil {
		if errkind.Unrecoverable(errkind.Of(err)) {
			return e.persistFailure(ctx, name, startedAt, err)
		}

		return nil, err
	}

	tree, err := e.downloader.Download(ctx, m)
	if err != nil {
		if errkind.Unrecoverable(errkind.Of(err)) {
			return e.persistFailure(ctx, name, startedAt, err)
		}

		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(tree.RootDir); rmErr != nil {
			e.logger.WarnContext(ctx, "leaking extraction dir",
				slog.String("dir", tree.RootDir), slog.Any("error", rmErr))
		}
	}()

	runner := collectors.NewRunner(e.selectCollectors(ctx, m, tree), e.logger, e.observer)

	collected, err := runner.Run(ctx, &collectors.Input{
		Packument: pkg,
		Manifest:  m,
		Tree:      tree,
		Now:       startedAt,
	})
	if err != nil {
		if errkind.Unrecoverable(errkind.Of(err)) {
			return e.persistFailure(ctx, name, startedAt, err)
		}

		return nil, err
	}

	evaluation := evaluators.Evaluate(collected)

	doc := &Doc{
		Name:       name,
		StartedAt:  startedAt,
		FinishedAt: e.now().UTC(),
		Collected:  collected,
		Evaluation: &evaluation,
	}

	if err := e.persist(ctx, doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// selectCollectors applies the repository-ownership guard: when the
// downloaded tree names a different package, its repository signals
// belong to someone else and must not be credited to this package —
// unless a maintainer is shared or both live under the same owner.
func (e *Engine) selectCollectors(ctx context.Context, m *manifest.Manifest, tree *downloader.Downloaded) []collectors.Collector {
	if ownershipOK(m, tree.TreeManifest) {
		return e.collectors
	}

	e.logger.WarnContext(ctx, "repository claimed by another package, skipping repository collectors",
		slog.String("package", m.Name),
		slog.String("treePackage", tree.TreeManifest.Name))

	kept := make([]collectors.Collector, 0, len(e.collectors))
	for _, c := range e.collectors {
		if !guarded[c.Name()] {
			kept = append(kept, c)
		}
	}

	return kept
}

func ownershipOK(m, tree *manifest.Manifest) bool {
	if tree == nil || tree.Name == "" || tree.Name == m.Name {
		return true
	}

	for _, a := range m.Maintainers {
		for _, b := range tree.Maintainers {
			if a.Name != "" && a.Name == b.Name {
				return true
			}
		}
	}

	return sameOwner(m, tree)
}

func sameOwner(m, tree *manifest.Manifest) bool {
	if m.Repository == nil || tree.Repository == nil {
		return false
	}

	hostA, ownerA, _, okA := manifest.RepositorySlug(m.Repository.URL)
	hostB, ownerB, _, okB := manifest.RepositorySlug(manifest.NormalizeRepositoryURL(tree.Repository.URL))

	return okA && okB && hostA == hostB && ownerA == ownerB
}

// forget removes the stored analysis and search document of a package
// that no longer exists, then propagates the not-found error.
func (e *Engine) forget(ctx context.Context, name string, cause error) error {
	if err := e.store.Delete(ctx, store.PackageKey(name)); err != nil {
		return fmt.Errorf("delete analysis of %q: %w", name, err)
	}

	if e.remover != nil {
		if err := e.remover.Remove(ctx, name); err != nil {
			return fmt.Errorf("remove score of %q: %w", name, err)
		}
	}

	e.logger.InfoContext(ctx, "package gone from registry, removed downstream documents",
		slog.String("package", name))

	return cause
}

// RecordFailure persists an errored analysis without running the
// pipeline. Used when a message exhausts its retry budget.
func (e *Engine) RecordFailure(ctx context.Context, name string, cause error) (*Doc, error) {
	doc, err := e.persistFailure(ctx, name, e.now().UTC(), cause)
	if doc == nil {
		return nil, err
	}

	return doc, nil
}

// persistFailure stores a Doc carrying the unrecoverable error and
// returns the error alongside it.
func (e *Engine) persistFailure(ctx context.Context, name string, startedAt time.Time, cause error) (*Doc, error) {
	doc := &Doc{
		Name:       name,
		StartedAt:  startedAt,
		FinishedAt: e.now().UTC(),
		Error: &ErrorInfo{
			Kind:    string(errkind.Of(cause)),
			Message: cause.Error(),
		},
	}

	if err := e.persist(ctx, doc); err != nil {
		return nil, err
	}

	e.logger.WarnContext(ctx, "analysis failed permanently",
		slog.String("package", name),
		slog.String("kind", doc.Error.Kind),
		slog.String("message", doc.Error.Message))

	return doc, cause
}

// persist replaces the stored analysis, keeping whatever revision the
// previous analysis left.
func (e *Engine) persist(ctx context.Context, doc *Doc) error {
	key := store.PackageKey(doc.Name)
	doc.ID = key

	var existing Doc

	err := e.store.Get(ctx, key, &existing)
	if err == nil {
		doc.SetDocRev(existing.DocRev())
	} else if !store.IsNotFound(err) {
		return fmt.Errorf("load previous analysis of %q: %w", doc.Name, err)
	}

	if err := e.store.Put(ctx, key, doc); err != nil {
		return fmt.Errorf("persist analysis of %q: %w", doc.Name, err)
	}

	return nil
}

func (e *Engine) record(outcome, kind string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveAnalysis(outcome, kind, elapsed)
	}
}
