package evaluators

import (
	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/timerange"
)

func evaluatePopularity(c *collectors.Collected) Popularity {
	return Popularity{
		CommunityInterest:     communityInterest(c),
		DownloadsCount:        downloadsCount(c),
		DownloadsAcceleration: downloadsAcceleration(c),
		DependentsCount:       dependentsCount(c),
	}
}

// communityInterest sums every human signal pointed at the package:
// stars on both the registry and the repository, forks, watchers and
// contributors.
func communityInterest(c *collectors.Collected) float64 {
	total := 0

	if npm := c.NPM; npm != nil {
		total += npm.StarsCount
	}

	if gh := c.GitHub; gh != nil {
		total += gh.StarsCount + gh.ForksCount + gh.SubscribersCount + len(gh.Contributors)
	}

	return float64(total)
}

// downloadsCount is the monthly mean over the last quarter.
func downloadsCount(c *collectors.Collected) float64 {
	if c.NPM == nil {
		return 0
	}

	return float64(windowCount(c.NPM.Downloads, 90)) / 3
}

// downloadsAcceleration weighs the deltas between successive mean
// daily download rates; positive values mean the package is growing.
func downloadsAcceleration(c *collectors.Collected) float64 {
	if c.NPM == nil {
		return 0
	}

	rate := func(days int) float64 {
		return float64(windowCount(c.NPM.Downloads, days)) / float64(days)
	}

	m30, m90, m180, m365 := rate(30), rate(90), rate(180), rate(365)

	return 0.25*(m30-m90) + 0.25*(m90-m180) + 0.5*(m180-m365)
}

func dependentsCount(c *collectors.Collected) float64 {
	if c.NPM == nil {
		return 0
	}

	return float64(c.NPM.DependentsCount)
}

// windowCount picks the count of the window spanning the given days.
func windowCount(counts []timerange.Count, days int) int {
	for _, count := range counts {
		span := int(count.To.Sub(count.From).Hours() / 24)
		if span == days {
			return count.Count
		}
	}

	return 0
}
