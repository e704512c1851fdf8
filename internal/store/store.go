// Package store persists pipeline documents with optimistic concurrency.
// Every mutable document carries a revision token; conflicting writes are
// retried with a refreshed revision, never locked.
package store

import (
	"context"
	"errors"
)

// Document keys follow <area>!<identifier>.
const (
	// KeyLastSeq is the CDC checkpoint document.
	KeyLastSeq = "observer!lastSeq"

	// KeyAggregation is the corpus-wide evaluation aggregation document.
	KeyAggregation = "scoring!aggregation"

	// PackagePrefix prefixes per-package analysis documents.
	PackagePrefix = "package!"
)

// PackageKey returns the analysis document key for a package name.
func PackageKey(name string) string {
	return PackagePrefix + name
}

// PackageName extracts the package name from an analysis document key.
// ok is false for keys outside the package area.
func PackageName(key string) (string, bool) {
	if len(key) <= len(PackagePrefix) || key[:len(PackagePrefix)] != PackagePrefix {
		return "", false
	}

	return key[len(PackagePrefix):], true
}

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Doc is a revisable document. Embed Meta to satisfy it.
type Doc interface {
	DocRev() string
	SetDocRev(rev string)
}

// Meta carries the database identity of a document.
type Meta struct {
	ID  string `json:"_id,omitempty"`
	Rev string `json:"_rev,omitempty"`
}

// DocRev returns the revision token.
func (m *Meta) DocRev() string { return m.Rev }

// SetDocRev replaces the revision token.
func (m *Meta) SetDocRev(rev string) { m.Rev = rev }

// Store reads and writes pipeline documents.
type Store interface {
	// Get loads the document at key into dest. ErrNotFound when absent.
	Get(ctx context.Context, key string, dest Doc) error

	// Put writes doc at key, retrying revision conflicts with a
	// refreshed revision up to the attempt bound.
	Put(ctx context.Context, key string, doc Doc) error

	// Delete removes the document at key. Deleting an absent document
	// is a no-op.
	Delete(ctx context.Context, key string) error

	// Walk streams every document key with the given prefix through fn,
	// in unspecified order, stopping on the first error.
	Walk(ctx context.Context, prefix string, fn func(key string) error) error
}

// IsNotFound reports whether err means the document is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
