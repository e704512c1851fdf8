package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/npmlens/npmlens/internal/httpx"
	"github.com/npmlens/npmlens/internal/timerange"
)

// DefaultDownloadsURL is the public npm downloads API.
const DefaultDownloadsURL = "https://api.npmjs.org"

// downloadsSpan is how far back daily counts are fetched. One year
// covers the widest window the evaluators consume.
const downloadsSpan = 365

// DownloadsClient fetches daily download counts from the downloads API.
type DownloadsClient struct {
	http    *httpx.Client
	baseURL string
	now     func() time.Time
}

// DownloadsOption customizes a DownloadsClient.
type DownloadsOption func(*DownloadsClient)

// WithDownloadsURL points the client at a different API base URL.
func WithDownloadsURL(u string) DownloadsOption {
	return func(c *DownloadsClient) { c.baseURL = u }
}

// WithDownloadsClock replaces the clock. Tests only.
func WithDownloadsClock(now func() time.Time) DownloadsOption {
	return func(c *DownloadsClient) { c.now = now }
}

// NewDownloads creates a DownloadsClient over the given HTTP client.
func NewDownloads(client *httpx.Client, opts ...DownloadsOption) *DownloadsClient {
	c := &DownloadsClient{
		http:    client,
		baseURL: DefaultDownloadsURL,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type downloadsRange struct {
	Downloads []struct {
		Downloads int    `json:"downloads"`
		Day       string `json:"day"`
	} `json:"downloads"`
}

// Daily fetches the daily download counts for name over the last year.
// Packages the API has never seen yield no points and no error.
func (c *DownloadsClient) Daily(ctx context.Context, name string) ([]timerange.Point, error) {
	now := c.now().UTC()
	from := now.AddDate(0, 0, -downloadsSpan)

	endpoint := fmt.Sprintf("%s/downloads/range/%s:%s/%s",
		c.baseURL,
		from.Format(time.DateOnly),
		now.Format(time.DateOnly),
		url.PathEscape(name))

	var payload downloadsRange

	_, err := c.http.Get(ctx, endpoint, nil, &payload)
	if httpx.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch downloads for %q: %w", name, err)
	}

	points := make([]timerange.Point, 0, len(payload.Downloads))

	for _, day := range payload.Downloads {
		at, err := time.Parse(time.DateOnly, day.Day)
		if err != nil {
			continue
		}

		points = append(points, timerange.Point{At: at, Value: day.Downloads})
	}

	return points, nil
}
