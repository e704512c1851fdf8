package collectors

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/src-d/enry/v2"
	"golang.org/x/sync/errgroup"

	"github.com/npmlens/npmlens/internal/errkind"
)

// Limits for the source tree walk.
const (
	// languageFileCap bounds how many files feed the language breakdown.
	languageFileCap = 2000

	// languageReadCap bounds how much of each file enry classifies.
	languageReadCap = 16 << 10

	// outdatedConcurrency bounds parallel registry lookups for the
	// outdated-dependency check.
	outdatedConcurrency = 5
)

// Files are the notable artifacts found in the source tree.
type Files struct {
	ReadmeSize   int64 `json:"readmeSize"`
	TestsSize    int64 `json:"testsSize"`
	HasNpmIgnore bool  `json:"hasNpmIgnore"`
	HasGitIgnore bool  `json:"hasGitIgnore"`
	HasChangelog bool  `json:"hasChangelog"`

	// HasLockfile records whether the tree shipped a lockfile before
	// the downloader stripped it.
	HasLockfile bool `json:"hasLockfile"`
}

// OutdatedDependency records a dependency whose latest release escapes
// the declared range.
type OutdatedDependency struct {
	Required string `json:"required"`
	Latest   string `json:"latest"`
}

// Vulnerability is one known advisory affecting the analyzed version.
type Vulnerability struct {
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
}

// Source is the source-tree slice of an analysis.
type Source struct {
	Files Files `json:"files"`

	// RepositorySize is the byte size of the whole extracted tree.
	RepositorySize int64 `json:"repositorySize"`

	Badges  []string `json:"badges,omitempty"`
	Linters []string `json:"linters,omitempty"`

	// Coverage is the test-coverage fraction advertised by a readme
	// badge, when one exists.
	Coverage *float64 `json:"coverage,omitempty"`

	// OutdatedDependencies maps dependency name to its drift.
	OutdatedDependencies map[string]OutdatedDependency `json:"outdatedDependencies,omitempty"`

	// Vulnerabilities is nil when the advisory lookup failed, empty
	// when the lookup succeeded and found nothing.
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`

	// Languages maps language name to bytes of source.
	Languages map[string]int64 `json:"languages,omitempty"`
}

// LatestSource resolves a package's latest published version.
type LatestSource interface {
	Latest(ctx context.Context, name string) (string, error)
}

// VulnSource queries advisories for a package version.
type VulnSource interface {
	Query(ctx context.Context, name, version string) ([]Vulnerability, error)
}

// SourceCollector inspects the downloaded source tree.
type SourceCollector struct {
	latest LatestSource
	vulns  VulnSource
}

// NewSource creates a SourceCollector.
func NewSource(latest LatestSource, vulns VulnSource) *SourceCollector {
	return &SourceCollector{latest: latest, vulns: vulns}
}

func (c *SourceCollector) Name() string { return "source" }

func (c *SourceCollector) Collect(ctx context.Context, in *Input, out *Collected) error {
	dir := in.Tree.PackageDir
	if _, err := os.Stat(dir); err != nil {
		dir = in.Tree.RootDir
	}

	src := &Source{
		Files:          scanFiles(dir),
		RepositorySize: dirSize(in.Tree.RootDir),
		Linters:        detectLinters(dir, in.Manifest.DevDependencies),
	}
	src.Files.HasLockfile = in.Tree.HadLockfile

	readme := readmeText(dir, in.Manifest.Readme)
	src.Badges = detectBadges(readme)
	src.Coverage = badgeCoverage(src.Badges)

	src.Languages = languageBreakdown(dir)

	// Drift lookups are best effort; a failed check reads as no drift.
	if outdated, err := c.outdated(ctx, in.Manifest.Dependencies); err == nil {
		src.OutdatedDependencies = outdated
	}

	if c.vulns != nil {
		// Advisory lookups are best effort; nil records the miss.
		if vulns, err := c.vulns.Query(ctx, in.Manifest.Name, in.Manifest.Version); err == nil {
			src.Vulnerabilities = vulns
		}
	}

	out.Source = src

	return nil
}

// outdated resolves the latest release of each declared dependency and
// keeps the ones escaping their declared range.
func (c *SourceCollector) outdated(ctx context.Context, deps map[string]string) (map[string]OutdatedDependency, error) {
	if c.latest == nil || len(deps) == 0 {
		return nil, nil
	}

	type drift struct {
		name  string
		entry OutdatedDependency
	}

	results := make(chan drift, len(deps))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(outdatedConcurrency)

	for name, required := range deps {
		group.Go(func() error {
			constraint, err := semver.NewConstraint(required)
			if err != nil {
				// Git URLs, tags and file ranges are not versions.
				return nil
			}

			latest, err := c.latest.Latest(groupCtx, name)
			if errkind.Is(err, errkind.PackageNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			version, err := semver.NewVersion(latest)
			if err != nil {
				return nil
			}

			if !constraint.Check(version) {
				results <- drift{name: name, entry: OutdatedDependency{Required: required, Latest: latest}}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make(map[string]OutdatedDependency)
	for d := range results {
		out[d.name] = d.entry
	}

	if len(out) == 0 {
		return nil, nil
	}

	return out, nil
}

var (
	readmeRe    = regexp.MustCompile(`(?i)^readme(\.|$)`)
	changelogRe = regexp.MustCompile(`(?i)^(changelog|history)(\.|$)`)
	testDirRe   = regexp.MustCompile(`(?i)^(tests?|specs?|__tests__)$`)
	testFileRe  = regexp.MustCompile(`(?i)\.(test|spec)\.[cm]?[jt]sx?$`)
)

// scanFiles sizes the readme and test artifacts of the tree.
func scanFiles(dir string) Files {
	var files Files

	entries, err := os.ReadDir(dir)
	if err != nil {
		return files
	}

	for _, entry := range entries {
		name := entry.Name()

		switch {
		case entry.IsDir() && testDirRe.MatchString(name):
			files.TestsSize += dirSize(filepath.Join(dir, name))
		case entry.IsDir():
		case readmeRe.MatchString(name):
			files.ReadmeSize += entrySize(entry)
		case changelogRe.MatchString(name):
			files.HasChangelog = true
		case name == ".npmignore":
			files.HasNpmIgnore = true
		case name == ".gitignore":
			files.HasGitIgnore = true
		case testFileRe.MatchString(name):
			files.TestsSize += entrySize(entry)
		}
	}

	return files
}

func entrySize(entry fs.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}

	return info.Size()
}

func dirSize(dir string) int64 {
	var total int64

	_ = filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			total += entrySize(entry)
		}

		return nil
	})

	return total
}

// linterMarkers maps config artifacts and dev dependencies to linters.
var linterMarkers = map[string]string{
	".eslintrc":      "eslint",
	".eslintrc.json": "eslint",
	".eslintrc.js":   "eslint",
	".eslintrc.yml":  "eslint",
	".eslintrc.yaml": "eslint",
	".jshintrc":      "jshint",
	"tslint.json":    "tslint",
	".jscsrc":        "jscs",
	"biome.json":     "biome",
}

var linterDeps = map[string]string{
	"eslint":   "eslint",
	"jshint":   "jshint",
	"tslint":   "tslint",
	"jscs":     "jscs",
	"xo":       "xo",
	"standard": "standard",
}

func detectLinters(dir string, devDeps map[string]string) []string {
	found := map[string]bool{}

	for marker, linter := range linterMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			found[linter] = true
		}
	}

	for dep, linter := range linterDeps {
		if _, ok := devDeps[dep]; ok {
			found[linter] = true
		}
	}

	out := make([]string, 0, len(found))
	for linter := range found {
		out = append(out, linter)
	}
	sort.Strings(out)

	if len(out) == 0 {
		return nil
	}

	return out
}

func readmeText(dir, fallback string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fallback
	}

	for _, entry := range entries {
		if entry.IsDir() || !readmeRe.MatchString(entry.Name()) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err == nil {
			return string(raw)
		}
	}

	return fallback
}

// badgeRe matches image URLs in markdown readmes.
var badgeRe = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)

func detectBadges(readme string) []string {
	matches := badgeRe.FindAllStringSubmatch(readme, -1)
	if len(matches) == 0 {
		return nil
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}

	return out
}

// coverageBadgeRe extracts the advertised percentage from a shields
// style coverage badge URL.
var coverageBadgeRe = regexp.MustCompile(`(?i)coverage[^0-9]*(\d{1,3})\s*%`)

func badgeCoverage(badges []string) *float64 {
	for _, badge := range badges {
		decoded := strings.ReplaceAll(badge, "%25", "%")

		m := coverageBadgeRe.FindStringSubmatch(decoded)
		if m == nil {
			continue
		}

		percent, err := strconv.Atoi(m[1])
		if err != nil || percent > 100 {
			continue
		}

		fraction := float64(percent) / 100

		return &fraction
	}

	return nil
}

// skipDirs are never scanned for languages.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	".git":         true,
}

// languageBreakdown sums source bytes per language using enry's
// filename and content classification.
func languageBreakdown(dir string) map[string]int64 {
	out := map[string]int64{}
	scanned := 0

	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if entry.IsDir() {
			if skipDirs[entry.Name()] || strings.HasPrefix(entry.Name(), ".") && path != dir {
				return filepath.SkipDir
			}

			return nil
		}

		if scanned >= languageFileCap {
			return filepath.SkipAll
		}
		scanned++

		head := readHead(path, languageReadCap)

		lang := enry.GetLanguage(entry.Name(), head)
		if lang == "" || enry.IsVendor(path) {
			return nil
		}

		out[lang] += entrySize(entry)

		return nil
	})

	if len(out) == 0 {
		return nil
	}

	return out
}

func readHead(path string, limit int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, limit)

	n, _ := f.Read(buf)

	return buf[:n]
}
