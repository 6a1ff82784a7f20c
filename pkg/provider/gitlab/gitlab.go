// Package gitlab implements the provider contract for GitLab issues.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/provider"
)

// Config holds one GitLab integration.
type Config struct {
	// Handle is the configured identity of this integration.
	Handle provider.Handle

	// BaseURL is the GitLab instance, e.g. "https://gitlab.com".
	BaseURL string

	// ProjectID is the numeric project ID or the URL-encoded
	// "group/project" path.
	ProjectID string

	// Token is a personal or project access token.
	Token string

	// State filters issues: "opened", "closed", or "" for all.
	State string

	// Defaults provides fallback status/priority display values.
	Defaults provider.Defaults
}

// Source is a GitLab-backed ticket source.
type Source struct {
	cfg    Config
	client *httpx.Client
}

// New creates a GitLab source.
func New(cfg Config, client *httpx.Client) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gitlab: base URL is required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gitlab: project ID is required")
	}
	if cfg.Handle.ID == "" {
		return nil, fmt.Errorf("gitlab: provider handle is required")
	}
	return &Source{cfg: cfg, client: client}, nil
}

// Handle returns the configured identity of this source.
func (s *Source) Handle() provider.Handle { return s.cfg.Handle }

type glIssue struct {
	IID         int    `json:"iid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	WebURL      string `json:"web_url"`
}

type glNote struct {
	Body   string `json:"body"`
	System bool   `json:"system"`
	Author struct {
		Name string `json:"name"`
	} `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchTickets returns up to maxItems issues. The cursor is the 1-based page
// number; GitLab's x-next-page response header decides whether a further
// page exists (empty on the last page).
func (s *Source) FetchTickets(ctx context.Context, cursor string, maxItems int) (provider.FetchResult, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.FetchResult{}, fmt.Errorf("gitlab: bad cursor %q: %w", cursor, err)
		}
		page = n
	}

	query := url.Values{}
	if s.cfg.State != "" {
		query.Set("state", s.cfg.State)
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(maxItems))

	path := "/api/v4/projects/" + url.PathEscape(s.cfg.ProjectID) + "/issues"

	var issues []glIssue
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
		items = append(items, s.mapIssue(&issues[i], nil))
	}

	nextPage := header.Get("x-next-page")
	result := provider.FetchResult{
		Items:      items,
		IsLastPage: nextPage == "",
		NextCursor: nextPage,
	}
	return result, nil
}

// FetchTicketByID returns a single issue by IID, with its discussion notes,
// or (nil, nil) when the project has no such issue.
func (s *Source) FetchTicketByID(ctx context.Context, externalID string) (*provider.TicketSummary, error) {
	path := "/api/v4/projects/" + url.PathEscape(s.cfg.ProjectID) + "/issues/" + url.PathEscape(externalID)

	var issue glIssue
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

	// Notes are best effort; a failed call means a ticket without comments.
	var notes []glNote
	if status, _, err := s.getJSON(ctx, path+"/notes", url.Values{"sort": {"asc"}}, &notes); err != nil || status != http.StatusOK {
		notes = nil
	}

	summary := s.mapIssue(&issue, notes)
	return &summary, nil
}

func (s *Source) getJSON(ctx context.Context, path string, query url.Values, out any) (int, http.Header, error) {
	reqURL := s.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("gitlab: create request: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("PRIVATE-TOKEN", s.cfg.Token)
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
		return resp.StatusCode, resp.Header, fmt.Errorf("gitlab: decode response: %w", err)
	}
	return resp.StatusCode, resp.Header, nil
}

func (s *Source) mapIssue(issue *glIssue, notes []glNote) provider.TicketSummary {
	t := provider.TicketSummary{
		ProviderID:  s.cfg.Handle.ID,
		ExternalID:  strconv.Itoa(issue.IID),
		Title:       issue.Title,
		Description: issue.Description,
		Status:      s.cfg.Defaults.Status,
		Priority:    s.cfg.Defaults.Priority,
		URL:         issue.WebURL,
	}

	if issue.State != "" {
		t.Status = provider.Status{
			Name:  issue.State,
			Color: s.cfg.Defaults.Status.Color,
		}
	}

	for _, n := range notes {
		if n.System {
			// System notes ("changed the description") are not comments.
			continue
		}
		ts := n.CreatedAt
		t.Comments = append(t.Comments, provider.Comment{
			Author:    n.Author.Name,
			Content:   n.Body,
			CreatedAt: &ts,
		})
	}

	return t
}
