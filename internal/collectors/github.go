package collectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/httpx"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/timerange"
	"github.com/npmlens/npmlens/internal/tokendealer"
)

// DefaultGitHubURL is the public GitHub REST API.
const DefaultGitHubURL = "https://api.github.com"

// commitWindows are the day windows commit counts are reported over.
var commitWindows = []int{7, 30, 90, 180, 365}

// issuePages bounds how many issue pages are sampled for the
// distribution; 100 per page.
const issuePages = 5

// issueBucketBase and issueBuckets define the open-duration histogram:
// powers of 3 starting at one hour, up to roughly seven years.
const (
	issueBucketBase = 3600
	issueBuckets    = 11
)

// TokenSource leases API credentials. tokendealer.Dealer satisfies it.
type TokenSource interface {
	WithToken(ctx context.Context, group string) (string, tokendealer.Release, error)
}

// Contributor is one repository contributor.
type Contributor struct {
	Username     string `json:"username"`
	CommitsCount int    `json:"commitsCount"`
}

// CommitStatus is the latest CI status for one context.
type CommitStatus struct {
	Context string `json:"context"`
	State   string `json:"state"`
}

// IssueStats summarizes the repository issue tracker.
type IssueStats struct {
	Count     int `json:"count"`
	OpenCount int `json:"openCount"`

	// Distribution histograms issue open-durations: bucket seconds
	// (powers of 3 from one hour) to issue count.
	Distribution map[string]int `json:"distribution,omitempty"`
}

// GitHub is the repository-activity slice of an analysis.
type GitHub struct {
	Homepage         string            `json:"homepage,omitempty"`
	StarsCount       int               `json:"starsCount"`
	ForksCount       int               `json:"forksCount"`
	SubscribersCount int               `json:"subscribersCount"`
	Issues           IssueStats        `json:"issues"`
	Contributors     []Contributor     `json:"contributors,omitempty"`
	CommitActivity   []timerange.Count `json:"commits"`
	Statuses         []CommitStatus    `json:"statuses,omitempty"`
}

// GitHubCollector gathers repository facts over the REST API with a
// rotating token pool.
type GitHubCollector struct {
	http    *httpx.Client
	tokens  TokenSource
	baseURL string
}

// GitHubOption customizes a GitHubCollector.
type GitHubOption func(*GitHubCollector)

// WithGitHubURL points the collector at a different API base URL.
func WithGitHubURL(u string) GitHubOption {
	return func(c *GitHubCollector) { c.baseURL = u }
}

// NewGitHub creates a GitHubCollector.
func NewGitHub(client *httpx.Client, tokens TokenSource, opts ...GitHubOption) *GitHubCollector {
	c := &GitHubCollector{http: client, tokens: tokens, baseURL: DefaultGitHubURL}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *GitHubCollector) Name() string { return "github" }

// Collect runs only for packages hosted on github.com; anything else
// leaves the slice absent without error.
func (c *GitHubCollector) Collect(ctx context.Context, in *Input, out *Collected) error {
	if in.Manifest.Repository == nil {
		return nil
	}

	host, owner, repo, ok := manifest.RepositorySlug(in.Manifest.Repository.URL)
	if !ok || host != "github.com" {
		return nil
	}

	var info struct {
		Homepage         string `json:"homepage"`
		StargazersCount  int    `json:"stargazers_count"`
		ForksCount       int    `json:"forks_count"`
		SubscribersCount int    `json:"subscribers_count"`
		DefaultBranch    string `json:"default_branch"`
	}

	err := c.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, &info)
	if err != nil {
		return tolerateGone(err)
	}

	gh := &GitHub{
		Homepage:         info.Homepage,
		StarsCount:       info.StargazersCount,
		ForksCount:       info.ForksCount,
		SubscribersCount: info.SubscribersCount,
	}

	if gh.Contributors, err = c.contributors(ctx, owner, repo); err != nil {
		return tolerateGone(err)
	}

	if gh.CommitActivity, err = c.commitActivity(ctx, owner, repo, in.Now); err != nil {
		return tolerateGone(err)
	}

	ref := info.DefaultBranch
	if in.Tree != nil && in.Tree.GitRef != "" {
		ref = in.Tree.GitRef
	}

	if gh.Statuses, err = c.statuses(ctx, owner, repo, ref); err != nil {
		return tolerateGone(err)
	}

	if gh.Issues, err = c.issues(ctx, owner, repo, in.Now); err != nil {
		return tolerateGone(err)
	}

	out.GitHub = gh

	return nil
}

func (c *GitHubCollector) contributors(ctx context.Context, owner, repo string) ([]Contributor, error) {
	var raw []struct {
		Login         string `json:"login"`
		Contributions int    `json:"contributions"`
	}

	err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/contributors?per_page=100", owner, repo), nil, &raw)
	if err != nil {
		return nil, err
	}

	out := make([]Contributor, 0, len(raw))
	for _, entry := range raw {
		out = append(out, Contributor{Username: entry.Login, CommitsCount: entry.Contributions})
	}

	return out, nil
}

// commitActivity buckets the last year of weekly commit totals.
// GitHub computes the statistic lazily and answers 202 until ready;
// the retry hook keeps polling within the client's attempt budget.
func (c *GitHubCollector) commitActivity(ctx context.Context, owner, repo string, now time.Time) ([]timerange.Count, error) {
	var weeks []struct {
		Total int   `json:"total"`
		Week  int64 `json:"week"`
	}

	hook := func(status int, _ http.Header) bool {
		return status == http.StatusAccepted
	}

	err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/stats/commit_activity", owner, repo), hook, &weeks)
	if err != nil {
		return nil, err
	}

	points := make([]timerange.Point, 0, len(weeks))
	for _, w := range weeks {
		points = append(points, timerange.Point{At: time.Unix(w.Week, 0).UTC(), Value: w.Total})
	}

	return timerange.Bucketize(now, commitWindows, points), nil
}

// statuses fetches the combined CI status at ref (the downloaded tree's
// ref, falling back to the default branch), deduplicated by context
// (the endpoint reports newest first).
func (c *GitHubCollector) statuses(ctx context.Context, owner, repo, ref string) ([]CommitStatus, error) {
	if ref == "" {
		ref = "HEAD"
	}

	var combined struct {
		Statuses []struct {
			Context string `json:"context"`
			State   string `json:"state"`
		} `json:"statuses"`
	}

	err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, ref), nil, &combined)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(combined.Statuses))
	out := make([]CommitStatus, 0, len(combined.Statuses))

	for _, s := range combined.Statuses {
		if seen[s.Context] {
			continue
		}
		seen[s.Context] = true

		out = append(out, CommitStatus{Context: s.Context, State: s.State})
	}

	return out, nil
}

// issues samples the most recent issues and histograms their open
// durations. Pull requests share the endpoint and are skipped.
func (c *GitHubCollector) issues(ctx context.Context, owner, repo string, now time.Time) (IssueStats, error) {
	stats := IssueStats{Distribution: map[string]int{}}

	for page := 1; page <= issuePages; page++ {
		var raw []struct {
			State       string         `json:"state"`
			CreatedAt   time.Time      `json:"created_at"`
			ClosedAt    *time.Time     `json:"closed_at"`
			PullRequest map[string]any `json:"pull_request,omitempty"`
		}

		path := fmt.Sprintf("/repos/%s/%s/issues?state=all&per_page=100&page=%d", owner, repo, page)
		if err := c.get(ctx, path, nil, &raw); err != nil {
			return IssueStats{}, err
		}

		for _, issue := range raw {
			if issue.PullRequest != nil {
				continue
			}

			stats.Count++
			if issue.State == "open" {
				stats.OpenCount++
			}

			end := now
			if issue.ClosedAt != nil {
				end = *issue.ClosedAt
			}

			bucket := issueBucket(end.Sub(issue.CreatedAt))
			stats.Distribution[strconv.Itoa(bucket)]++
		}

		if len(raw) < 100 {
			break
		}
	}

	return stats, nil
}

// issueBucket snaps an open duration to its histogram bucket seconds.
func issueBucket(d time.Duration) int {
	seconds := int(d.Seconds())
	bucket := issueBucketBase

	for i := 0; i < issueBuckets-1 && seconds > bucket; i++ {
		bucket *= 3
	}

	return bucket
}

// get performs one authenticated API call, returning the token to the
// pool with its observed rate-limit state.
func (c *GitHubCollector) get(ctx context.Context, path string, hook httpx.RetryHook, dest any) error {
	token, release, err := c.tokens.WithToken(ctx, "github")
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Accept", "application/vnd.github.v3+json")

	if token != "" {
		header.Set("Authorization", "token "+token)
	}

	resp, err := c.http.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
		Header: header,
		Hook:   hook,
	})
	if err != nil {
		release(rateLimitReset(err))

		return err
	}

	release(rateLimitResetFromHeader(resp.Header))

	if dest != nil && len(resp.Body) > 0 {
		return resp.JSON(dest)
	}

	return nil
}

// rateLimitReset extracts the reset instant from a rate-limited error
// response, zero otherwise.
func rateLimitReset(err error) int64 {
	var se *httpx.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusForbidden {
		return 0
	}

	return rateLimitResetFromHeader(se.Header)
}

func rateLimitResetFromHeader(header http.Header) int64 {
	if header.Get("X-RateLimit-Remaining") != "0" {
		return 0
	}

	reset, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return 0
	}

	return reset * 1000
}

// tolerateGone demotes gone-repository answers to a tolerated slice
// loss: deleted (404), blocked (403), and DMCA'd (451) repositories.
func tolerateGone(err error) error {
	if httpx.IsStatus(err, http.StatusNotFound) ||
		httpx.IsStatus(err, http.StatusGone) ||
		httpx.IsStatus(err, http.StatusForbidden) ||
		httpx.IsStatus(err, http.StatusUnavailableForLegalReasons) {
		return errkind.Wrap(errkind.CollectorTolerated, err)
	}

	if strings.Contains(err.Error(), "retry requested by hook") {
		// Commit stats never became ready; degrade rather than requeue.
		return errkind.Wrap(errkind.CollectorTolerated, err)
	}

	return err
}
