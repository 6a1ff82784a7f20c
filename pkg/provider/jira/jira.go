// Package jira implements the provider contract for Atlassian Jira over the
// REST v2 API. All Jira-native payload handling stays behind this boundary.
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/provider"
)

const searchFields = "summary,description,status,priority,comment"

// Config holds one Jira integration.
type Config struct {
	// Handle is the configured identity of this integration.
	Handle provider.Handle

	// BaseURL is the Jira site, e.g. "https://acme.atlassian.net".
	BaseURL string

	// Email and APIToken form the basic-auth credential pair.
	Email    string
	APIToken string

	// JQL filters the tickets surfaced on the dashboard, e.g.
	// "project = SUP ORDER BY updated DESC". Required: Jira refuses
	// unbounded searches on large sites.
	JQL string

	// Defaults provides fallback status/priority display values for fields
	// Jira omits.
	Defaults provider.Defaults
}

// Source is a Jira-backed ticket source.
type Source struct {
	cfg    Config
	client *httpx.Client
}

// New creates a Jira source.
func New(cfg Config, client *httpx.Client) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira: base URL is required")
	}
	if cfg.JQL == "" {
		return nil, fmt.Errorf("jira: JQL filter is required")
	}
	if cfg.Handle.ID == "" {
		return nil, fmt.Errorf("jira: provider handle is required")
	}
	return &Source{cfg: cfg, client: client}, nil
}

// Handle returns the configured identity of this source.
func (s *Source) Handle() provider.Handle { return s.cfg.Handle }

// Jira REST v2 payload shapes. Only the fields the common contract needs.
type searchResponse struct {
	StartAt int         `json:"startAt"`
	Total   int         `json:"total"`
	Issues  []jiraIssue `json:"issues"`
}

type jiraIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      *struct {
			Name           string `json:"name"`
			StatusCategory struct {
				ColorName string `json:"colorName"`
			} `json:"statusCategory"`
		} `json:"status"`
		Priority *struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Color  string `json:"statusColor"`
		} `json:"priority"`
		Comment struct {
			Comments []struct {
				Author struct {
					DisplayName string `json:"displayName"`
				} `json:"author"`
				Body    string `json:"body"`
				Created string `json:"created"`
			} `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

// FetchTickets returns up to maxItems issues matching the configured JQL.
// The cursor is the numeric startAt offset of Jira's offset pagination.
func (s *Source) FetchTickets(ctx context.Context, cursor string, maxItems int) (provider.FetchResult, error) {
	startAt := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.FetchResult{}, fmt.Errorf("jira: bad cursor %q: %w", cursor, err)
		}
		startAt = n
	}

	query := url.Values{}
	query.Set("jql", s.cfg.JQL)
	query.Set("startAt", strconv.Itoa(startAt))
	query.Set("maxResults", strconv.Itoa(maxItems))
	query.Set("fields", searchFields)

	var out searchResponse
	status, err := s.getJSON(ctx, "/rest/api/2/search", query, &out)
	if err != nil {
		return provider.FetchResult{}, err
	}
	if status != http.StatusOK {
		return provider.FetchResult{}, &httpx.TrackerError{
			Provider:   s.cfg.Handle.ID,
			StatusCode: status,
			ErrorClass: httpx.Classify(status, nil),
			Message:    "search failed",
		}
	}

	items := make([]provider.TicketSummary, 0, len(out.Issues))
	for i := range out.Issues {
		items = append(items, s.mapIssue(&out.Issues[i]))
	}

	next := startAt + len(out.Issues)
	result := provider.FetchResult{
		Items:      items,
		IsLastPage: next >= out.Total || len(out.Issues) == 0,
	}
	if !result.IsLastPage {
		result.NextCursor = strconv.Itoa(next)
	}
	return result, nil
}

// FetchTicketByID returns a single issue by key, or (nil, nil) when Jira
// reports no such issue.
func (s *Source) FetchTicketByID(ctx context.Context, externalID string) (*provider.TicketSummary, error) {
	query := url.Values{}
	query.Set("fields", searchFields)

	var issue jiraIssue
	status, err := s.getJSON(ctx, "/rest/api/2/issue/"+url.PathEscape(externalID), query, &issue)
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

	summary := s.mapIssue(&issue)
	return &summary, nil
}

func (s *Source) getJSON(ctx context.Context, path string, query url.Values, out any) (int, error) {
	reqURL := s.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("jira: create request: %w", err)
	}
	s.addAuthHeader(req)

	resp, err := s.client.Do(s.cfg.Handle.ID, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("jira: decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func (s *Source) addAuthHeader(req *http.Request) {
	if s.cfg.Email == "" && s.cfg.APIToken == "" {
		return
	}
	auth := base64.StdEncoding.EncodeToString([]byte(s.cfg.Email + ":" + s.cfg.APIToken))
	req.Header.Set("Authorization", "Basic "+auth)
}

// mapIssue projects a Jira issue into the common ticket shape.
func (s *Source) mapIssue(issue *jiraIssue) provider.TicketSummary {
	t := provider.TicketSummary{
		ProviderID:  s.cfg.Handle.ID,
		ExternalID:  issue.Key,
		Title:       issue.Fields.Summary,
		Description: issue.Fields.Description,
		Status:      s.cfg.Defaults.Status,
		Priority:    s.cfg.Defaults.Priority,
		URL:         s.cfg.BaseURL + "/browse/" + issue.Key,
	}

	if st := issue.Fields.Status; st != nil {
		t.Status = provider.Status{
			Name:  st.Name,
			Color: st.StatusCategory.ColorName,
		}
	}

	if pr := issue.Fields.Priority; pr != nil {
		ordinal := s.cfg.Defaults.Priority.Ordinal
		if n, err := strconv.Atoi(pr.ID); err == nil {
			// Jira priority IDs are ordered, 1 = highest.
			ordinal = n
		}
		color := pr.Color
		if color == "" {
			color = s.cfg.Defaults.Priority.Color
		}
		t.Priority = provider.Priority{
			Name:    pr.Name,
			Color:   color,
			Ordinal: ordinal,
		}
	}

	for _, c := range issue.Fields.Comment.Comments {
		comment := provider.Comment{
			Author:  c.Author.DisplayName,
			Content: c.Body,
		}
		// Jira uses RFC3339 with numeric zone and no colon; tolerate both.
		for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339} {
			if ts, err := time.Parse(layout, c.Created); err == nil {
				comment.CreatedAt = &ts
				break
			}
		}
		t.Comments = append(t.Comments, comment)
	}

	return t
}
