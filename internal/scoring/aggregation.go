// Package scoring turns evaluations into search-ready scores. The
// aggregator maintains corpus-wide statistics for every evaluation
// member; the scorer positions a single package against them and
// writes the result to the search index.
package scoring

import (
	"time"

	"github.com/npmlens/npmlens/internal/evaluators"
	"github.com/npmlens/npmlens/internal/store"
)

// Stats are the corpus statistics of one evaluation member.
type Stats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

// QualityStats aggregates the quality members.
type QualityStats struct {
	Carefulness        Stats `json:"carefulness"`
	Tests              Stats `json:"tests"`
	DependenciesHealth Stats `json:"dependenciesHealth"`
	Branding           Stats `json:"branding"`
}

// PopularityStats aggregates the popularity members.
type PopularityStats struct {
	CommunityInterest     Stats `json:"communityInterest"`
	DownloadsCount        Stats `json:"downloadsCount"`
	DownloadsAcceleration Stats `json:"downloadsAcceleration"`
	DependentsCount       Stats `json:"dependentsCount"`
}

// MaintenanceStats aggregates the maintenance members.
type MaintenanceStats struct {
	RecentCommits      Stats `json:"recentCommits"`
	CommitsFrequency   Stats `json:"commitsFrequency"`
	OpenIssues         Stats `json:"openIssues"`
	IssuesDistribution Stats `json:"issuesDistribution"`
}

// Aggregation is the corpus-wide statistics document, rewritten on
// every aggregation pass and read by the scorer.
type Aggregation struct {
	store.Meta

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	// Count is the number of evaluations aggregated.
	Count int `json:"count"`

	Quality     QualityStats     `json:"quality"`
	Popularity  PopularityStats  `json:"popularity"`
	Maintenance MaintenanceStats `json:"maintenance"`
}

// member binds one evaluation member to its aggregation slot. The
// table drives both accumulation and scoring so the two can never
// disagree on the member set.
type member struct {
	value func(*evaluators.Evaluation) float64
	stats func(*Aggregation) *Stats
}

var members = []member{
	{
		func(e *evaluators.Evaluation) float64 { return e.Quality.Carefulness },
		func(a *Aggregation) *Stats { return &a.Quality.Carefulness },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Quality.Tests },
		func(a *Aggregation) *Stats { return &a.Quality.Tests },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Quality.DependenciesHealth },
		func(a *Aggregation) *Stats { return &a.Quality.DependenciesHealth },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Quality.Branding },
		func(a *Aggregation) *Stats { return &a.Quality.Branding },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Popularity.CommunityInterest },
		func(a *Aggregation) *Stats { return &a.Popularity.CommunityInterest },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Popularity.DownloadsCount },
		func(a *Aggregation) *Stats { return &a.Popularity.DownloadsCount },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Popularity.DownloadsAcceleration },
		func(a *Aggregation) *Stats { return &a.Popularity.DownloadsAcceleration },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Popularity.DependentsCount },
		func(a *Aggregation) *Stats { return &a.Popularity.DependentsCount },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Maintenance.RecentCommits },
		func(a *Aggregation) *Stats { return &a.Maintenance.RecentCommits },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Maintenance.CommitsFrequency },
		func(a *Aggregation) *Stats { return &a.Maintenance.CommitsFrequency },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Maintenance.OpenIssues },
		func(a *Aggregation) *Stats { return &a.Maintenance.OpenIssues },
	},
	{
		func(e *evaluators.Evaluation) float64 { return e.Maintenance.IssuesDistribution },
		func(a *Aggregation) *Stats { return &a.Maintenance.IssuesDistribution },
	},
}
