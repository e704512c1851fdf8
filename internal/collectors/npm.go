package collectors

import (
	"context"
	"fmt"

	"github.com/npmlens/npmlens/internal/timerange"
)

// downloadWindows are the day windows download counts are reported over.
var downloadWindows = []int{1, 7, 30, 90, 180, 365}

// NPM is the registry-popularity slice of an analysis.
type NPM struct {
	// Downloads counts registry downloads over the download windows.
	Downloads []timerange.Count `json:"downloads"`

	// DependentsCount is how many packages depend on this one.
	DependentsCount int `json:"dependentsCount"`

	// StarsCount is the number of registry users starring the package.
	StarsCount int `json:"starsCount"`
}

// DependentsCounter counts reverse dependencies.
type DependentsCounter interface {
	Dependents(ctx context.Context, name string) (int, error)
}

// DownloadsSource fetches daily download counts.
type DownloadsSource interface {
	Daily(ctx context.Context, name string) ([]timerange.Point, error)
}

// NPMCollector gathers registry download counts, dependents and stars.
type NPMCollector struct {
	dependents DependentsCounter
	downloads  DownloadsSource
}

// NewNPM creates an NPMCollector.
func NewNPM(dependents DependentsCounter, downloads DownloadsSource) *NPMCollector {
	return &NPMCollector{dependents: dependents, downloads: downloads}
}

func (c *NPMCollector) Name() string { return "npm" }

func (c *NPMCollector) Collect(ctx context.Context, in *Input, out *Collected) error {
	points, err := c.downloads.Daily(ctx, in.Manifest.Name)
	if err != nil {
		return fmt.Errorf("download counts: %w", err)
	}

	dependents, err := c.dependents.Dependents(ctx, in.Manifest.Name)
	if err != nil {
		return fmt.Errorf("dependents count: %w", err)
	}

	stars := 0
	if in.Packument != nil {
		stars = in.Packument.StarsCount()
	}

	out.NPM = &NPM{
		Downloads:       timerange.Bucketize(in.Now, downloadWindows, points),
		DependentsCount: dependents,
		StarsCount:      stars,
	}

	return nil
}
