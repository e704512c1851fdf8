// Package registry reads the npm registry: packuments and the changes
// feed come from a CouchDB replica, download counts from the public
// downloads API.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/manifest"
)

// The replica view mapping dependency name to the packages that depend
// on it, with a _count reduce.
const (
	dependentsDesign = "app"
	dependentsView   = "dependedUpon"
)

// Client reads package data from a CouchDB registry replica.
type Client struct {
	db *kivik.DB
}

// New connects to the registry replica at rawURL. The database name is
// the URL path ("registry" when absent).
func New(rawURL string) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}

	database := "registry"
	if len(parsed.Path) > 1 {
		database = parsed.Path[1:]
		parsed.Path = ""
	}

	client, err := kivik.New("couch", parsed.String())
	if err != nil {
		return nil, fmt.Errorf("open registry %q: %w", rawURL, err)
	}

	return &Client{db: client.DB(database)}, nil
}

// GetPackage fetches the packument for name. A missing or deleted
// document maps to PACKAGE_NOT_FOUND, which callers treat as a signal
// to remove the package from downstream stores.
func (c *Client) GetPackage(ctx context.Context, name string) (*manifest.Packument, error) {
	row := c.db.Get(ctx, name)
	if err := row.Err(); err != nil {
		return nil, translate(name, err)
	}

	var pkg manifest.Packument
	if err := row.ScanDoc(&pkg); err != nil {
		return nil, translate(name, err)
	}

	return &pkg, nil
}

// Latest resolves the latest published version of name.
func (c *Client) Latest(ctx context.Context, name string) (string, error) {
	row := c.db.Get(ctx, name)
	if err := row.Err(); err != nil {
		return "", translate(name, err)
	}

	var doc struct {
		DistTags map[string]string `json:"dist-tags"`
	}
	if err := row.ScanDoc(&doc); err != nil {
		return "", translate(name, err)
	}

	latest := doc.DistTags["latest"]
	if latest == "" {
		return "", errkind.Newf(errkind.PackageNotFound, "package %q has no latest tag", name)
	}

	return latest, nil
}

// Dependents counts the packages that declare name as a dependency,
// using the reduced dependedUpon view.
func (c *Client) Dependents(ctx context.Context, name string) (int, error) {
	rows := c.db.Query(ctx, dependentsDesign, dependentsView, kivik.Params(map[string]any{
		"startkey": []string{name},
		"endkey":   []string{name, "￰"},
		"reduce":   true,
	}))
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("query dependents of %q: %w", name, err)
		}

		return 0, nil
	}

	var count int
	if err := rows.ScanValue(&count); err != nil {
		return 0, fmt.Errorf("scan dependents of %q: %w", name, err)
	}

	return count, nil
}

// EachName streams every package name in the registry through fn.
// Design documents are skipped.
func (c *Client) EachName(ctx context.Context, fn func(name string) error) error {
	rows := c.db.AllDocs(ctx)
	defer rows.Close()

	for rows.Next() {
		name, err := rows.ID()
		if err != nil {
			return fmt.Errorf("list registry packages: %w", err)
		}

		if name == "" || name[0] == '_' {
			continue
		}

		if err := fn(name); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("list registry packages: %w", err)
	}

	return nil
}

func translate(name string, err error) error {
	if kivik.HTTPStatus(err) == http.StatusNotFound {
		return errkind.Newf(errkind.PackageNotFound, "package %q not in registry", name)
	}

	return fmt.Errorf("fetch package %q: %w", name, err)
}
