package collectors

import (
	"context"
	"fmt"
	"net/http"

	"github.com/npmlens/npmlens/internal/httpx"
)

// DefaultOSVURL is the public OSV advisory database.
const DefaultOSVURL = "https://api.osv.dev"

// OSVClient queries the OSV database for npm advisories. It satisfies
// VulnSource.
type OSVClient struct {
	http    *httpx.Client
	baseURL string
}

// OSVOption customizes an OSVClient.
type OSVOption func(*OSVClient)

// WithOSVURL points the client at a different API base URL.
func WithOSVURL(u string) OSVOption {
	return func(c *OSVClient) { c.baseURL = u }
}

// NewOSV creates an OSVClient over the given HTTP client.
func NewOSV(client *httpx.Client, opts ...OSVOption) *OSVClient {
	c := &OSVClient{http: client, baseURL: DefaultOSVURL}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Query lists advisories affecting the given package version.
func (c *OSVClient) Query(ctx context.Context, name, version string) ([]Vulnerability, error) {
	body := map[string]any{
		"version": version,
		"package": map[string]string{
			"name":      name,
			"ecosystem": "npm",
		},
	}

	var payload struct {
		Vulns []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
		} `json:"vulns"`
	}

	resp, err := c.http.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/v1/query",
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("query advisories for %s@%s: %w", name, version, err)
	}

	if err := resp.JSON(&payload); err != nil {
		return nil, err
	}

	out := make([]Vulnerability, 0, len(payload.Vulns))
	for _, v := range payload.Vulns {
		out = append(out, Vulnerability{ID: v.ID, Summary: v.Summary})
	}

	return out, nil
}
