package collectors

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/npmlens/npmlens/internal/httpx"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/timerange"
)

// releaseWindows are the day windows release counts are reported over.
var releaseWindows = []int{30, 180, 365}

// Links are the package's outbound URLs.
type Links struct {
	NPM        string `json:"npm"`
	Homepage   string `json:"homepage,omitempty"`
	Repository string `json:"repository,omitempty"`
	Bugs       string `json:"bugs,omitempty"`
}

// Metadata is the registry-document slice of an analysis.
type Metadata struct {
	Name        string   `json:"name"`
	Scope       string   `json:"scope"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	// Date is when the analyzed version was published.
	Date time.Time `json:"date"`

	Publisher   *manifest.Person     `json:"publisher,omitempty"`
	Maintainers []manifest.Person    `json:"maintainers,omitempty"`
	Repository  *manifest.Repository `json:"repository,omitempty"`
	Links       Links                `json:"links"`
	License     string               `json:"license,omitempty"`

	Dependencies     map[string]string `json:"dependencies,omitempty"`
	DevDependencies  map[string]string `json:"devDependencies,omitempty"`
	PeerDependencies map[string]string `json:"peerDependencies,omitempty"`

	// Releases counts version publishes over the release windows.
	Releases []timerange.Count `json:"releases"`

	Deprecated    string `json:"deprecated,omitempty"`
	HasTestScript bool   `json:"hasTestScript"`
}

// MetadataCollector derives the metadata slice from the packument and
// the normalized manifest. It needs no disk and no external service
// unless link checking is enabled.
type MetadataCollector struct {
	linkChecker *httpx.Client
}

// MetadataOption customizes a MetadataCollector.
type MetadataOption func(*MetadataCollector)

// WithLinkChecker enables dead-link pruning: homepage and bugs URLs
// that answer 404 or 410 to a HEAD are dropped from the links slice.
func WithLinkChecker(client *httpx.Client) MetadataOption {
	return func(c *MetadataCollector) { c.linkChecker = client }
}

// NewMetadata creates a MetadataCollector.
func NewMetadata(opts ...MetadataOption) *MetadataCollector {
	c := &MetadataCollector{}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *MetadataCollector) Name() string { return "metadata" }

func (c *MetadataCollector) Collect(ctx context.Context, in *Input, out *Collected) error {
	m := in.Manifest

	md := &Metadata{
		Name:             m.Name,
		Scope:            scopeOf(m.Name),
		Version:          m.Version,
		Description:      m.Description,
		Keywords:         m.Keywords,
		Date:             publishDate(in),
		Publisher:        m.Publisher,
		Maintainers:      m.Maintainers,
		Repository:       m.Repository,
		License:          string(m.License),
		Dependencies:     m.Dependencies,
		DevDependencies:  m.DevDependencies,
		PeerDependencies: m.PeerDependencies,
		Releases:         releases(in),
		Deprecated:       m.Deprecated,
		HasTestScript:    m.HasTestScript(),
	}

	md.Links = c.links(ctx, m)

	out.Metadata = md

	return nil
}

func (c *MetadataCollector) links(ctx context.Context, m *manifest.Manifest) Links {
	links := Links{
		NPM:      "https://www.npmjs.com/package/" + m.Name,
		Homepage: m.Homepage,
	}

	if m.Repository != nil {
		links.Repository = m.Repository.URL
	}

	if m.Bugs != nil {
		links.Bugs = m.Bugs.URL
	}

	if c.linkChecker != nil {
		links.Homepage = c.prune(ctx, links.Homepage)
		links.Bugs = c.prune(ctx, links.Bugs)
	}

	return links
}

// prune drops a link that is confirmed gone. Transient failures keep
// the link; absence of evidence is not evidence of absence.
func (c *MetadataCollector) prune(ctx context.Context, url string) string {
	if url == "" || !strings.HasPrefix(url, "http") {
		return ""
	}

	_, err := c.linkChecker.Do(ctx, httpx.Request{Method: http.MethodHead, URL: url})
	if httpx.IsStatus(err, http.StatusNotFound) || httpx.IsStatus(err, http.StatusGone) {
		return ""
	}

	return url
}

// scopeOf extracts the scope of a package name, "unscoped" otherwise.
func scopeOf(name string) string {
	if strings.HasPrefix(name, "@") {
		if idx := strings.IndexByte(name, '/'); idx > 1 {
			return name[1:idx]
		}
	}

	return "unscoped"
}

// publishDate is when the analyzed version went live, falling back to
// the document's modified timestamp for unpublished packages.
func publishDate(in *Input) time.Time {
	if in.Packument == nil {
		return time.Time{}
	}

	for _, key := range []string{in.Manifest.Version, "modified", "created"} {
		if raw, ok := in.Packument.Time[key]; ok {
			if at, err := time.Parse(time.RFC3339, raw); err == nil {
				return at
			}
		}
	}

	return time.Time{}
}

// releases buckets version publish timestamps over the release windows.
func releases(in *Input) []timerange.Count {
	var points []timerange.Point

	if in.Packument != nil {
		for key, raw := range in.Packument.Time {
			if key == "created" || key == "modified" {
				continue
			}

			at, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				continue
			}

			points = append(points, timerange.Point{At: at, Value: 1})
		}
	}

	return timerange.Bucketize(in.Now, releaseWindows, points)
}
