package evaluators

import (
	"sort"
	"strconv"

	"github.com/npmlens/npmlens/internal/collectors"
)

var (
	recentCommitsAnchors = []Breakpoint{{30, 1}, {90, 0.9}, {180, 0.5}, {365, 0}}
	commitsFreqAnchors   = []Breakpoint{{0, 0}, {1, 0.7}, {5, 0.9}, {10, 1}}
	openIssuesAnchors    = []Breakpoint{{0, 1}, {0.2, 1}, {0.5, 0.5}, {1, 0}}
	issueAgeAnchors      = []Breakpoint{{5, 1}, {30, 0.7}, {90, 0}}

	// staleIssueAnchors grow an issue's weight once it has been open
	// beyond a month, up to fivefold at a year.
	staleIssueAnchors = []Breakpoint{{29, 0}, {365, 1}}
)

// commitWindowWeights blend the monthly commit rates of each window
// into one frequency figure, favoring recent activity.
var commitWindowWeights = map[int]float64{
	30:  0.35,
	90:  0.30,
	180: 0.20,
	365: 0.15,
}

func evaluateMaintenance(c *collectors.Collected) Maintenance {
	gh := c.GitHub
	if gh == nil {
		return Maintenance{}
	}

	return Maintenance{
		RecentCommits:      recentCommits(gh),
		CommitsFrequency:   commitsFrequency(gh),
		OpenIssues:         openIssues(gh),
		IssuesDistribution: issuesDistribution(gh),
	}
}

// recentCommits scores how close the latest activity is: the smallest
// commit window with any commits sets the recency.
func recentCommits(gh *collectors.GitHub) float64 {
	for _, window := range gh.CommitActivity {
		if window.Count == 0 {
			continue
		}

		days := int(window.To.Sub(window.From).Hours() / 24)

		return clamp(normalize(float64(days), recentCommitsAnchors))
	}

	return 0
}

// commitsFrequency normalizes the weighted monthly commit rate.
func commitsFrequency(gh *collectors.GitHub) float64 {
	var monthly float64

	for _, window := range gh.CommitActivity {
		days := int(window.To.Sub(window.From).Hours() / 24)

		weight, ok := commitWindowWeights[days]
		if !ok {
			continue
		}

		monthly += weight * (float64(window.Count) / float64(days) * 30)
	}

	return clamp(normalize(monthly, commitsFreqAnchors))
}

// openIssues scores the share of issues left open. Repositories with
// no issue history score zero; silence is not responsiveness.
func openIssues(gh *collectors.GitHub) float64 {
	if gh.Issues.Count == 0 {
		return 0
	}

	ratio := float64(gh.Issues.OpenCount) / float64(gh.Issues.Count)

	return clamp(normalize(ratio, openIssuesAnchors))
}

// issuesDistribution scores the weighted mean issue age. Issues open
// beyond a month weigh progressively more, so a tracker full of
// year-old issues cannot hide behind a few quick closes.
func issuesDistribution(gh *collectors.GitHub) float64 {
	dist := gh.Issues.Distribution
	if len(dist) == 0 {
		return 0
	}

	buckets := make([]int, 0, len(dist))
	for key := range dist {
		bucket, err := strconv.Atoi(key)
		if err != nil {
			continue
		}

		buckets = append(buckets, bucket)
	}
	sort.Ints(buckets)

	var weightedAge, weightTotal float64

	for _, bucket := range buckets {
		count := float64(dist[strconv.Itoa(bucket)])
		days := float64(bucket) / 86400

		weight := 1.0
		if days > 29 {
			weight += 4 * normalize(days, staleIssueAnchors)
		}

		weightedAge += weight * days * count
		weightTotal += weight * count
	}

	if weightTotal == 0 {
		return 0
	}

	return clamp(normalize(weightedAge/weightTotal, issueAgeAnchors))
}
