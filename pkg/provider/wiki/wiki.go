// Package wiki implements the provider contract for wiki-style content
// systems with a Confluence-compatible search API. Pages surface as tickets
// with injected status and priority, since wikis track neither.
package wiki

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/provider"
)

// Config holds one wiki integration.
type Config struct {
	// Handle is the configured identity of this integration.
	Handle provider.Handle

	// BaseURL is the wiki site, e.g. "https://acme.atlassian.net/wiki".
	BaseURL string

	// Email and APIToken form the basic-auth credential pair.
	Email    string
	APIToken string

	// CQL selects the pages surfaced as tickets, e.g.
	// `space = SUP AND label = "ticket" ORDER BY lastmodified DESC`.
	CQL string

	// Defaults supplies the status and priority shown for wiki pages.
	Defaults provider.Defaults
}

// Source is a wiki-backed ticket source.
type Source struct {
	cfg    Config
	client *httpx.Client
}

// New creates a wiki source.
func New(cfg Config, client *httpx.Client) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("wiki: base URL is required")
	}
	if cfg.CQL == "" {
		return nil, fmt.Errorf("wiki: CQL filter is required")
	}
	if cfg.Handle.ID == "" {
		return nil, fmt.Errorf("wiki: provider handle is required")
	}
	return &Source{cfg: cfg, client: client}, nil
}

// Handle returns the configured identity of this source.
func (s *Source) Handle() provider.Handle { return s.cfg.Handle }

type searchResponse struct {
	Results []wikiPage `json:"results"`
	Start   int        `json:"start"`
	Limit   int        `json:"limit"`
	Size    int        `json:"size"`
}

type wikiPage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// FetchTickets returns up to maxItems pages matching the configured CQL.
// The cursor is the numeric start offset; a page returning fewer results
// than its limit is the last one.
func (s *Source) FetchTickets(ctx context.Context, cursor string, maxItems int) (provider.FetchResult, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.FetchResult{}, fmt.Errorf("wiki: bad cursor %q: %w", cursor, err)
		}
		start = n
	}

	query := url.Values{}
	query.Set("cql", s.cfg.CQL)
	query.Set("start", strconv.Itoa(start))
	query.Set("limit", strconv.Itoa(maxItems))
	query.Set("expand", "body.storage")

	var out searchResponse
	status, err := s.getJSON(ctx, "/rest/api/content/search", query, &out)
	if err != nil {
		return provider.FetchResult{}, err
	}
	if status != http.StatusOK {
		return provider.FetchResult{}, &httpx.TrackerError{
			Provider:   s.cfg.Handle.ID,
			StatusCode: status,
			ErrorClass: httpx.Classify(status, nil),
			Message:    "content search failed",
		}
	}

	items := make([]provider.TicketSummary, 0, len(out.Results))
	for i := range out.Results {
		items = append(items, s.mapPage(&out.Results[i]))
	}

	result := provider.FetchResult{
		Items:      items,
		IsLastPage: out.Size < maxItems,
	}
	if !result.IsLastPage {
		result.NextCursor = strconv.Itoa(start + out.Size)
	}
	return result, nil
}

// FetchTicketByID returns a single page by content ID, or (nil, nil) when
// the wiki has no such page.
func (s *Source) FetchTicketByID(ctx context.Context, externalID string) (*provider.TicketSummary, error) {
	query := url.Values{}
	query.Set("expand", "body.storage")

	var page wikiPage
	status, err := s.getJSON(ctx, "/rest/api/content/"+url.PathEscape(externalID), query, &page)
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
			Message:    "content lookup failed",
		}
	}

	summary := s.mapPage(&page)
	return &summary, nil
}

func (s *Source) getJSON(ctx context.Context, path string, query url.Values, out any) (int, error) {
	reqURL := s.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("wiki: create request: %w", err)
	}
	if s.cfg.Email != "" || s.cfg.APIToken != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(s.cfg.Email + ":" + s.cfg.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	resp, err := s.client.Do(s.cfg.Handle.ID, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("wiki: decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func (s *Source) mapPage(page *wikiPage) provider.TicketSummary {
	return provider.TicketSummary{
		ProviderID:  s.cfg.Handle.ID,
		ExternalID:  page.ID,
		Title:       page.Title,
		Description: page.Body.Storage.Value,
		Status:      s.cfg.Defaults.Status,
		Priority:    s.cfg.Defaults.Priority,
		URL:         s.cfg.BaseURL + page.Links.WebUI,
	}
}
