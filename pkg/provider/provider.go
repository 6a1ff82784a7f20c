// Package provider defines the contract between the aggregation engine and
// external issue-tracker integrations. Adapters map provider-native payloads
// into the common TicketSummary shape behind this boundary; the engine never
// sees provider-specific JSON.
package provider

import (
	"context"
	"time"
)

// Kind identifies the type of external tracker behind a configured source.
type Kind string

const (
	// KindJira is an Atlassian Jira integration.
	KindJira Kind = "jira"

	// KindGitHub is a GitHub issues integration.
	KindGitHub Kind = "github"

	// KindGitLab is a GitLab issues integration.
	KindGitLab Kind = "gitlab"

	// KindWiki is a wiki-style content provider (Confluence-like search API).
	KindWiki Kind = "wiki"
)

// Handle identifies one configured external source. It is owned by workspace
// configuration and read-only to the aggregation engine.
type Handle struct {
	// ID is the stable identifier of the configured integration.
	ID string

	// Kind is the tracker type behind this integration.
	Kind Kind
}

// Status is a provider-reported ticket status with display color.
type Status struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Priority is a provider-reported ticket priority. Ordinal orders priorities
// across providers (lower is more urgent); providers that have no priority
// concept report a zero value.
type Priority struct {
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
	Ordinal int    `json:"ordinal"`
}

// Comment is one ticket comment in provider order. CreatedAt is nil for
// providers that do not report comment timestamps.
type Comment struct {
	Author    string     `json:"author"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// TicketSummary is a provider-native ticket projected into the common shape.
// Values are created fresh on every fetch and never mutated.
type TicketSummary struct {
	ProviderID  string    `json:"provider_id"`
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	URL         string    `json:"url,omitempty"`
	Comments    []Comment `json:"comments,omitempty"`
}

// FetchResult is the outcome of one paginated fetch from a source.
//
// IsLastPage true means the source has no further data reachable from the
// requested cursor, even when Items is non-empty. Empty Items with
// IsLastPage false is a valid result ("nothing in this cursor range, keep
// going").
type FetchResult struct {
	Items      []TicketSummary
	IsLastPage bool

	// NextCursor resumes the source after the returned items. Opaque to the
	// caller; empty when the source is on its last page.
	NextCursor string
}

// Source is the fetch contract an adapter implements for one configured
// integration. Implementations must be side-effect free: fetching never
// creates or mutates remote state.
type Source interface {
	// Handle returns the configured identity of this source.
	Handle() Handle

	// FetchTickets returns up to maxItems ticket summaries starting at the
	// given cursor. An empty cursor means the source's natural starting
	// point.
	FetchTickets(ctx context.Context, cursor string, maxItems int) (FetchResult, error)

	// FetchTicketByID returns a single ticket by its provider-scoped
	// external ID, or (nil, nil) when the source has no such ticket.
	FetchTicketByID(ctx context.Context, externalID string) (*TicketSummary, error)
}

// Defaults carries injected fallback display values used by adapters whose
// tracker omits status or priority metadata. Kept out of compile-time
// constants so deployments and tests can vary them.
type Defaults struct {
	Status   Status
	Priority Priority
}

// StandardDefaults returns the fallback values shipped with the dashboard.
func StandardDefaults() Defaults {
	return Defaults{
		Status:   Status{Name: "Open", Color: "#4f9cf9"},
		Priority: Priority{Name: "None", Color: "#8a8f98", Ordinal: 99},
	}
}
