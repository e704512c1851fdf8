// Package evaluators turns collected facts into the fixed-shape
// evaluation vector. Everything here is pure: same Collected in, same
// Evaluation out.
package evaluators

import "github.com/npmlens/npmlens/internal/collectors"

// Quality measures how carefully the package is built.
type Quality struct {
	Carefulness        float64 `json:"carefulness"`
	Tests              float64 `json:"tests"`
	DependenciesHealth float64 `json:"dependenciesHealth"`
	Branding           float64 `json:"branding"`
}

// Popularity measures adoption. Sub-scores are unnormalized magnitudes;
// the scorer normalizes them against the corpus aggregation.
type Popularity struct {
	CommunityInterest     float64 `json:"communityInterest"`
	DownloadsCount        float64 `json:"downloadsCount"`
	DownloadsAcceleration float64 `json:"downloadsAcceleration"`
	DependentsCount       float64 `json:"dependentsCount"`
}

// Maintenance measures how actively the package is kept up.
type Maintenance struct {
	RecentCommits      float64 `json:"recentCommits"`
	CommitsFrequency   float64 `json:"commitsFrequency"`
	OpenIssues         float64 `json:"openIssues"`
	IssuesDistribution float64 `json:"issuesDistribution"`
}

// Evaluation is the full vector stored on every analysis document.
type Evaluation struct {
	Quality     Quality     `json:"quality"`
	Popularity  Popularity  `json:"popularity"`
	Maintenance Maintenance `json:"maintenance"`
}

// Evaluate computes the evaluation vector for collected. Missing
// slices zero their dependent sub-scores rather than failing.
func Evaluate(collected *collectors.Collected) Evaluation {
	return Evaluation{
		Quality:     evaluateQuality(collected),
		Popularity:  evaluatePopularity(collected),
		Maintenance: evaluateMaintenance(collected),
	}
}
