// Package manifest models registry package documents and normalizes the
// latest-version manifest an analysis operates on.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/npmlens/npmlens/internal/errkind"
)

// defaultVersion is used when the manifest carries no version.
const defaultVersion = "0.0.1"

// Person is a maintainer or publisher entry.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Repository locates the package source.
type Repository struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`

	// Directory points at a subpackage inside a monorepo.
	Directory string `json:"directory,omitempty"`
}

// Dist describes the registry tarball for one version.
type Dist struct {
	Tarball string `json:"tarball,omitempty"`
	Shasum  string `json:"shasum,omitempty"`
}

// Bugs locates the issue tracker.
type Bugs struct {
	URL string `json:"url,omitempty"`
}

// Manifest is the normalized manifest of one package version.
type Manifest struct {
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	Description         string            `json:"description,omitempty"`
	Keywords            []string          `json:"keywords,omitempty"`
	Repository          *Repository       `json:"repository,omitempty"`
	GitHead             string            `json:"gitHead,omitempty"`
	Dist                *Dist             `json:"dist,omitempty"`
	License             License           `json:"license,omitempty"`
	Homepage            string            `json:"homepage,omitempty"`
	Bugs                *Bugs             `json:"bugs,omitempty"`
	Scripts             map[string]string `json:"scripts,omitempty"`
	Dependencies        map[string]string `json:"dependencies,omitempty"`
	DevDependencies     map[string]string `json:"devDependencies,omitempty"`
	PeerDependencies    map[string]string `json:"peerDependencies,omitempty"`
	BundledDependencies StringList        `json:"bundledDependencies,omitempty"`
	Deprecated          string            `json:"deprecated,omitempty"`
	Readme              string            `json:"readme,omitempty"`
	Maintainers         []Person          `json:"maintainers,omitempty"`
	Publisher           *Person           `json:"_npmUser,omitempty"`
}

// HasTestScript reports whether the manifest declares a real test script.
// The npm scaffold placeholder does not count.
func (m *Manifest) HasTestScript() bool {
	script, ok := m.Scripts["test"]
	if !ok {
		return false
	}

	return !strings.Contains(script, "no test specified")
}

// Packument is the registry document for a package: every version plus
// document-level metadata. It is fetched per analysis and never stored.
type Packument struct {
	Name        string                     `json:"name"`
	DistTags    map[string]string          `json:"dist-tags"`
	Versions    map[string]json.RawMessage `json:"versions"`
	Time        map[string]string          `json:"time"`
	Maintainers []Person                   `json:"maintainers"`
	Users       map[string]bool            `json:"users"`
	Readme      string                     `json:"readme"`
}

// StarsCount is the number of registry users that starred the package.
func (p *Packument) StarsCount() int {
	return len(p.Users)
}

// Build extracts and normalizes the latest-version manifest from a
// packument fetched for name. A document naming a different package fails
// with kind NAME_MISMATCH; a manifest failing schema validation fails with
// kind MANIFEST_INVALID.
func Build(name string, pkg *Packument) (*Manifest, error) {
	if pkg.Name != "" && pkg.Name != name {
		return nil, errkind.Newf(errkind.NameMismatch,
			"requested %q but document names %q", name, pkg.Name)
	}

	raw, err := latestVersion(pkg)
	if err != nil {
		return nil, err
	}

	err = validateSchema(raw)
	if err != nil {
		return nil, err
	}

	var m Manifest

	err = json.Unmarshal(raw, &m)
	if err != nil {
		return nil, errkind.Wrap(errkind.ManifestInvalid, fmt.Errorf("decode manifest: %w", err))
	}

	if m.Name == "" {
		m.Name = name
	}

	if m.Name != name {
		return nil, errkind.Newf(errkind.NameMismatch,
			"requested %q but manifest names %q", name, m.Name)
	}

	if m.Version == "" {
		m.Version = defaultVersion
	}

	if m.Readme == "" {
		m.Readme = pkg.Readme
	}

	if len(m.Maintainers) == 0 {
		m.Maintainers = pkg.Maintainers
	}

	if m.Repository != nil {
		m.Repository.URL = NormalizeRepositoryURL(m.Repository.URL)
	}

	return &m, nil
}

// latestVersion resolves the dist-tags latest entry. With no versions at
// all, an empty manifest carrying only the name is synthesized (unpublished
// packages keep a bare document).
func latestVersion(pkg *Packument) (json.RawMessage, error) {
	if len(pkg.Versions) == 0 {
		return json.RawMessage(fmt.Sprintf(`{"name":%q}`, pkg.Name)), nil
	}

	latest := pkg.DistTags["latest"]
	if latest == "" {
		return nil, errkind.New(errkind.ManifestInvalid, "document has versions but no latest tag")
	}

	raw, ok := pkg.Versions[latest]
	if !ok {
		return nil, errkind.Newf(errkind.ManifestInvalid, "latest tag %q has no version entry", latest)
	}

	return raw, nil
}

var (
	// shortcutRe matches host shortcuts like "github:user/repo".
	shortcutRe = regexp.MustCompile(`^(github|gitlab|bitbucket):(.+)$`)

	// scpLikeRe matches scp-style git URLs like "git@github.com:user/repo.git".
	scpLikeRe = regexp.MustCompile(`^git@([^:]+):(.+)$`)
)

// shortcutHosts maps manifest URL shortcuts to their host.
var shortcutHosts = map[string]string{
	"github":    "github.com",
	"gitlab":    "gitlab.com",
	"bitbucket": "bitbucket.org",
}

// NormalizeRepositoryURL canonicalizes a manifest repository URL:
// git+/git:// schemes become https, scp-style and shortcut forms are
// expanded, and trailing ".git" and slashes are removed.
func NormalizeRepositoryURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}

	if m := shortcutRe.FindStringSubmatch(u); m != nil {
		u = "https://" + shortcutHosts[m[1]] + "/" + m[2]
	}

	if m := scpLikeRe.FindStringSubmatch(u); m != nil {
		u = "https://" + m[1] + "/" + m[2]
	}

	u = strings.TrimPrefix(u, "git+")

	switch {
	case strings.HasPrefix(u, "git://"):
		u = "https://" + strings.TrimPrefix(u, "git://")
	case strings.HasPrefix(u, "ssh://git@"):
		u = "https://" + strings.TrimPrefix(u, "ssh://git@")
	case strings.HasPrefix(u, "http://"):
		u = "https://" + strings.TrimPrefix(u, "http://")
	}

	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")

	// Drop tree/blob paths embedded in copy-pasted URLs.
	for _, marker := range []string{"/tree/", "/blob/"} {
		if idx := strings.Index(u, marker); idx > 0 {
			u = u[:idx]
		}
	}

	return u
}

// RepositorySlug splits a normalized repository URL into host, owner and
// repo. ok is false when the URL does not look like a forge repository.
func RepositorySlug(normalizedURL string) (host, owner, repo string, ok bool) {
	u := strings.TrimPrefix(normalizedURL, "https://")

	parts := strings.Split(u, "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}

	return parts[0], parts[1], parts[2], true
}
