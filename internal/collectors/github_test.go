package collectors_test

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/httpx"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/tokendealer"
)

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"X-Ratelimit-Remaining": []string{"100"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func githubInput(now time.Time) *collectors.Input {
	return &collectors.Input{
		Now: now,
		Manifest: &manifest.Manifest{
			Name:       "pkg",
			Version:    "1.0.0",
			Repository: &manifest.Repository{URL: "https://github.com/owner/repo"},
		},
	}
}

func TestGitHub_Collect(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	week := now.AddDate(0, 0, -3).Unix()

	client := httpx.NewClient(httpx.WithDoer(doerFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "token tok-1", req.Header.Get("Authorization"))

		switch {
		case strings.HasSuffix(req.URL.Path, "/repos/owner/repo"):
			return jsonResponse(http.StatusOK, `{
				"homepage": "https://pkg.dev",
				"stargazers_count": 100,
				"forks_count": 10,
				"subscribers_count": 5,
				"default_branch": "main"
			}`), nil
		case strings.Contains(req.URL.Path, "/contributors"):
			return jsonResponse(http.StatusOK, `[{"login": "alice", "contributions": 42}]`), nil
		case strings.Contains(req.URL.Path, "/stats/commit_activity"):
			return jsonResponse(http.StatusOK, fmt.Sprintf(`[{"total": 3, "week": %d}]`, week)), nil
		case strings.Contains(req.URL.Path, "/commits/abc123/status"):
			// Statuses are read at the downloaded tree's ref, not the
			// default branch.
			return jsonResponse(http.StatusOK, `{"statuses": [
				{"context": "ci", "state": "success"},
				{"context": "ci", "state": "failure"}
			]}`), nil
		case strings.Contains(req.URL.Path, "/issues"):
			return jsonResponse(http.StatusOK, `[
				{"state": "open", "created_at": "2026-08-20T00:00:00Z"},
				{"state": "closed", "created_at": "2026-08-01T00:00:00Z", "closed_at": "2026-08-02T00:00:00Z"},
				{"state": "open", "created_at": "2026-08-01T00:00:00Z", "pull_request": {"url": "x"}}
			]`), nil
		default:
			t.Fatalf("unexpected path %s", req.URL.Path)

			return nil, nil
		}
	})))

	dealer := tokendealer.New("github", []string{"tok-1"})

	c := collectors.NewGitHub(client, dealer)

	in := githubInput(now)
	in.Tree = &downloader.Downloaded{GitRef: "abc123"}

	out := &collectors.Collected{}
	require.NoError(t, c.Collect(t.Context(), in, out))

	gh := out.GitHub
	require.NotNil(t, gh)

	assert.Equal(t, 100, gh.StarsCount)
	assert.Equal(t, 10, gh.ForksCount)
	assert.Equal(t, 5, gh.SubscribersCount)

	require.Len(t, gh.Contributors, 1)
	assert.Equal(t, "alice", gh.Contributors[0].Username)
	assert.Equal(t, 42, gh.Contributors[0].CommitsCount)

	// Newest status wins per context.
	require.Len(t, gh.Statuses, 1)
	assert.Equal(t, "success", gh.Statuses[0].State)

	// 7/30/90/180/365-day commit windows all include the one week.
	require.Len(t, gh.CommitActivity, 5)
	assert.Equal(t, 3, gh.CommitActivity[0].Count)
	assert.Equal(t, 3, gh.CommitActivity[4].Count)

	// Pull requests are not issues.
	assert.Equal(t, 2, gh.Issues.Count)
	assert.Equal(t, 1, gh.Issues.OpenCount)
	assert.NotEmpty(t, gh.Issues.Distribution)
}

func TestGitHub_StatusesFallBackToDefaultBranch(t *testing.T) {
	t.Parallel()

	var statusPath string

	client := httpx.NewClient(httpx.WithDoer(doerFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/repos/owner/repo"):
			return jsonResponse(http.StatusOK, `{"default_branch": "main"}`), nil
		case strings.Contains(req.URL.Path, "/status"):
			statusPath = req.URL.Path

			return jsonResponse(http.StatusOK, `{"statuses": []}`), nil
		default:
			return jsonResponse(http.StatusOK, `[]`), nil
		}
	})))

	c := collectors.NewGitHub(client, tokendealer.New("github", []string{"tok"}))

	// No downloaded tree ref: metadata-only trees carry none.
	out := &collectors.Collected{}
	require.NoError(t, c.Collect(t.Context(), githubInput(time.Now()), out))

	assert.Equal(t, "/repos/owner/repo/commits/main/status", statusPath)
}

func TestGitHub_GoneRepositoryIsTolerated(t *testing.T) {
	t.Parallel()

	client := httpx.NewClient(httpx.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"message": "Not Found"}`), nil
	})))

	c := collectors.NewGitHub(client, tokendealer.New("github", []string{"tok"}))

	out := &collectors.Collected{}
	err := c.Collect(t.Context(), githubInput(time.Now()), out)

	require.Error(t, err)
	assert.Equal(t, errkind.CollectorTolerated, errkind.Of(err))
	assert.Nil(t, out.GitHub)
}

func TestGitHub_SkipsNonGitHubRepositories(t *testing.T) {
	t.Parallel()

	c := collectors.NewGitHub(nil, nil)

	in := githubInput(time.Now())
	in.Manifest.Repository.URL = "https://gitlab.com/owner/repo"

	out := &collectors.Collected{}
	require.NoError(t, c.Collect(t.Context(), in, out))
	assert.Nil(t, out.GitHub)
}

func TestGitHub_ReleasesExhaustedToken(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(time.Hour).Unix()

	client := httpx.NewClient(httpx.WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Header: http.Header{
				"X-Ratelimit-Remaining": []string{"0"},
				"X-Ratelimit-Reset":     []string{fmt.Sprint(reset)},
			},
			Body: io.NopCloser(strings.NewReader(`{"message": "rate limit"}`)),
		}, nil
	})))

	dealer := tokendealer.New("github", []string{"tok"})

	c := collectors.NewGitHub(client, dealer)

	out := &collectors.Collected{}
	err := c.Collect(t.Context(), githubInput(time.Now()), out)
	require.Error(t, err)

	usage := dealer.Usage("github")
	require.Len(t, usage, 1)
	assert.True(t, usage[0].Exhausted)
	assert.Equal(t, time.UnixMilli(reset*1000), usage[0].Reset)
}
