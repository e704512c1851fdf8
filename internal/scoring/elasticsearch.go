package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
)

// DefaultIndexName is the search index scores are written to.
const DefaultIndexName = "npmlens"

// Index is the Elasticsearch-backed SearchIndex.
type Index struct {
	client *elasticsearch.Client
	name   string
}

// NewIndex creates an Index on the given client. An empty name selects
// DefaultIndexName.
func NewIndex(client *elasticsearch.Client, name string) *Index {
	if name == "" {
		name = DefaultIndexName
	}

	return &Index{client: client, name: name}
}

// Put indexes doc under its package name.
func (ix *Index) Put(ctx context.Context, doc *ScoreDoc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding score for %q: %w", doc.Name, err)
	}

	res, err := ix.client.Index(ix.name, bytes.NewReader(body),
		ix.client.Index.WithDocumentID(docID(doc.Name)),
		ix.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("indexing score for %q: %w", doc.Name, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("indexing score for %q: %s", doc.Name, res.String())
	}

	return nil
}

// Delete removes the score of name. Deleting an absent score is a no-op.
func (ix *Index) Delete(ctx context.Context, name string) error {
	res, err := ix.client.Delete(ix.name, docID(name),
		ix.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("deleting score for %q: %w", name, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting score for %q: %s", name, res.String())
	}

	return nil
}

// docID makes a package name safe as a document id path segment;
// scoped names carry a slash.
func docID(name string) string {
	return url.PathEscape(name)
}
