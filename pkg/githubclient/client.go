/**
 * @description
 * This package provides a client for the contribution-data source: a GitHub
 * REST API host. It answers one question for the payroll engine — who merged
 * how many pull requests into a repository during a period — plus enough
 * per-PR detail for settlement records.
 *
 * The engine treats this source as unreliable. Every failure surfaces as a
 * typed SourceError so the caller can report a degraded preview instead of
 * fabricating counts.
 */
package githubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	searchPageSize = 100
	// The search API stops serving results past the first thousand, so a
	// window with more merged PRs than this is reported as incomplete.
	maxSearchPages = 10
	// Cap on per-PR detail fetches per report; counts stay exact, only diff
	// sizes go missing past this point.
	maxDetailFetches = 200
)

// Client is a client for a GitHub-compatible REST API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new contribution-source client. An empty token is
// allowed but severely rate-limited by the public API.
func NewClient(baseURL, token string) *Client {
	if strings.TrimSpace(token) == "" {
		log.Printf("level=warn component=github_client msg=\"no API token configured; requests will be rate-limited\"")
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PullRequest is one merged contribution.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	MergedAt  time.Time `json:"merged_at"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
}

// ContributionReport aggregates a repository's merged pull requests over a
// period, keyed by author login.
type ContributionReport struct {
	Counts         map[string]int
	Details        map[string][]PullRequest
	DetailComplete bool
}

// SourceError represents a failure or refusal from the contribution source.
type SourceError struct {
	StatusCode int
	Message    string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("contribution source error (status %d): %s", e.StatusCode, e.Message)
}

type searchResponse struct {
	TotalCount        int  `json:"total_count"`
	IncompleteResults bool `json:"incomplete_results"`
	Items             []struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		PullRequest *struct {
			MergedAt *time.Time `json:"merged_at"`
		} `json:"pull_request"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"items"`
}

type pullDetailResponse struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// MergedPullRequests returns every pull request merged into owner/repo within
// [start, end], grouped by author. Counts are exact or the call fails; diff
// sizes are best-effort and DetailComplete reports whether they all resolved.
func (c *Client) MergedPullRequests(ctx context.Context, owner, repo string, start, end time.Time) (*ContributionReport, error) {
	report := &ContributionReport{
		Counts:         make(map[string]int),
		Details:        make(map[string][]PullRequest),
		DetailComplete: true,
	}

	query := fmt.Sprintf("repo:%s/%s is:pr is:merged merged:%s..%s",
		owner, repo, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))

	for page := 1; ; page++ {
		if page > maxSearchPages {
			return nil, &SourceError{StatusCode: http.StatusOK, Message: "merged PR window exceeds the search result limit"}
		}

		searchURL := fmt.Sprintf("%s/search/issues?q=%s&per_page=%d&page=%d",
			c.BaseURL, url.QueryEscape(query), searchPageSize, page)

		var result searchResponse
		if err := c.getJSON(ctx, searchURL, &result); err != nil {
			return nil, err
		}
		if result.IncompleteResults {
			return nil, &SourceError{StatusCode: http.StatusOK, Message: "search returned incomplete results"}
		}

		for _, item := range result.Items {
			login := strings.TrimSpace(item.User.Login)
			if login == "" {
				return nil, &SourceError{StatusCode: http.StatusOK, Message: fmt.Sprintf("PR #%d has no author login", item.Number)}
			}
			mergedAt := time.Time{}
			if item.PullRequest != nil && item.PullRequest.MergedAt != nil {
				mergedAt = *item.PullRequest.MergedAt
			}
			report.Counts[login]++
			report.Details[login] = append(report.Details[login], PullRequest{
				Number:   item.Number,
				Title:    item.Title,
				Author:   login,
				MergedAt: mergedAt,
			})
		}

		if len(result.Items) < searchPageSize {
			break
		}
	}

	c.enrichDiffSizes(ctx, owner, repo, report)

	return report, nil
}

// enrichDiffSizes fills Additions/Deletions from per-PR lookups. Failures
// only mark the detail incomplete; the financially relevant counts are
// already settled by the time this runs.
func (c *Client) enrichDiffSizes(ctx context.Context, owner, repo string, report *ContributionReport) {
	fetched := 0
	for login, prs := range report.Details {
		for i := range prs {
			if fetched >= maxDetailFetches {
				report.DetailComplete = false
				return
			}
			fetched++

			detailURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.BaseURL, owner, repo, prs[i].Number)
			var detail pullDetailResponse
			if err := c.getJSON(ctx, detailURL, &detail); err != nil {
				report.DetailComplete = false
				log.Printf("level=warn component=github_client op=pr_detail repo=%s/%s pr=%d err=%v", owner, repo, prs[i].Number, err)
				continue
			}
			prs[i].Additions = detail.Additions
			prs[i].Deletions = detail.Deletions
		}
		report.Details[login] = prs
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := parseErrorMessage(bodyBytes)
		if resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(message), "rate limit") {
			message = "rate limited: " + message
		}
		log.Printf("level=warn component=github_client status=%d msg=%q url=%s", resp.StatusCode, message, rawURL)
		return &SourceError{StatusCode: resp.StatusCode, Message: message}
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return &SourceError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unparsable response body: %v", err)}
	}

	return nil
}

func parseErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
		return "unexpected response"
	}
	return payload.Message
}
