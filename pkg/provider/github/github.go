// Package github implements the provider contract for GitHub issues.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/provider"
)

// Config holds one GitHub integration.
type Config struct {
	// Handle is the configured identity of this integration.
	Handle provider.Handle

	// BaseURL is the API root, "https://api.github.com" for github.com or
	// "https://ghe.example.com/api/v3" for GitHub Enterprise.
	BaseURL string

	// Owner and Repo select the issue source.
	Owner string
	Repo  string

	// Token is a personal access token; empty means unauthenticated (60
	// requests/hour, fine for demos only).
	Token string

	// State filters issues: "open", "closed", or "all". Defaults to "open".
	State string

	// Defaults provides status/priority display values; GitHub has no
	// priority concept and its states carry no colors.
	Defaults provider.Defaults
}

// Source is a GitHub-backed ticket source.
type Source struct {
	cfg    Config
	client *httpx.Client
}

// New creates a GitHub source.
func New(cfg Config, client *httpx.Client) (*Source, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if cfg.Handle.ID == "" {
		return nil, fmt.Errorf("github: provider handle is required")
	}
	if cfg.State == "" {
		cfg.State = "open"
	}
	return &Source{cfg: cfg, client: client}, nil
}

// Handle returns the configured identity of this source.
func (s *Source) Handle() provider.Handle { return s.cfg.Handle }

type ghIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`

	// Present only when the "issue" is actually a pull request.
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type ghComment struct {
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchTickets returns up to maxItems issues. The cursor is the 1-based page
// number of GitHub's page/per_page pagination; the Link header's rel="next"
// entry decides whether a further page exists.
func (s *Source) FetchTickets(ctx context.Context, cursor string, maxItems int) (provider.FetchResult, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.FetchResult{}, fmt.Errorf("github: bad cursor %q: %w", cursor, err)
		}
		page = n
	}

	query := url.Values{}
	query.Set("state", s.cfg.State)
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(maxItems))

	path := fmt.Sprintf("/repos/%s/%s/issues", s.cfg.Owner, s.cfg.Repo)

	var issues []ghIssue
	status, header, err := s.getJSON(ctx, path, query, &issues)
	if err != nil {
		return provider.FetchResult{}, err
	}
	if status != http.StatusOK {
		return provider.FetchResult{}, &httpx.TrackerError{
			Provider:   s.cfg.Handle.ID,
			StatusCode: status,
			ErrorClass: httpx.Classify(status, nil),
			Message:    "issue list failed",
		}
	}

	items := make([]provider.TicketSummary, 0, len(issues))
	for i := range issues {
		if issues[i].PullRequest != nil {
			// The issues endpoint interleaves pull requests; the dashboard
			// only shows tickets.
			continue
		}
		items = append(items, s.mapIssue(&issues[i], nil))
	}

	result := provider.FetchResult{
		Items:      items,
		IsLastPage: !hasNextLink(header.Get("Link")),
	}
	if !result.IsLastPage {
		result.NextCursor = strconv.Itoa(page + 1)
	}
	return result, nil
}

// FetchTicketByID returns a single issue by number, with its comments, or
// (nil, nil) when the repository has no such issue.
func (s *Source) FetchTicketByID(ctx context.Context, externalID string) (*provider.TicketSummary, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%s", s.cfg.Owner, s.cfg.Repo, url.PathEscape(externalID))

	var issue ghIssue
	status, _, err := s.getJSON(ctx, path, nil, &issue)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, &httpx.TrackerError{
			Provider:   s.cfg.Handle.ID,
			StatusCode: status,
			ErrorClass: httpx.Classify(status, nil),
			Message:    "issue lookup failed",
		}
	}
	if issue.PullRequest != nil {
		return nil, nil
	}

	// Comments live behind a second call; failures there degrade to a
	// ticket without comments rather than a failed lookup.
	var comments []ghComment
	if status, _, err := s.getJSON(ctx, path+"/comments", nil, &comments); err != nil || status != http.StatusOK {
		comments = nil
	}

	summary := s.mapIssue(&issue, comments)
	return &summary, nil
}

func (s *Source) getJSON(ctx context.Context, path string, query url.Values, out any) (int, http.Header, error) {
	reqURL := s.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(s.cfg.Handle.ID, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, resp.Header, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, resp.Header, fmt.Errorf("github: decode response: %w", err)
	}
	return resp.StatusCode, resp.Header, nil
}

// hasNextLink reports whether a GitHub Link header advertises a next page.
func hasNextLink(link string) bool {
	if link == "" {
		return false
	}
	for _, part := range strings.Split(link, ",") {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}

func (s *Source) mapIssue(issue *ghIssue, comments []ghComment) provider.TicketSummary {
	t := provider.TicketSummary{
		ProviderID:  s.cfg.Handle.ID,
		ExternalID:  strconv.Itoa(issue.Number),
		Title:       issue.Title,
		Description: issue.Body,
		Status:      s.cfg.Defaults.Status,
		Priority:    s.cfg.Defaults.Priority,
		URL:         issue.HTMLURL,
	}

	if issue.State != "" {
		t.Status = provider.Status{
			Name:  issue.State,
			Color: s.cfg.Defaults.Status.Color,
		}
	}

	for _, c := range comments {
		ts := c.CreatedAt
		t.Comments = append(t.Comments, provider.Comment{
			Author:    c.User.Login,
			Content:   c.Body,
			CreatedAt: &ts,
		})
	}

	return t
}
