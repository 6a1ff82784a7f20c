package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key represents a unique identifier for a cached tracker response.
type Key struct {
	// Provider is the configured integration identifier the response
	// belongs to. Responses are never shared across integrations, even when
	// two integrations point at the same host.
	Provider string

	// Endpoint is the request path (e.g., "/rest/api/2/search").
	Endpoint string

	// QueryParams are the request query parameters.
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: trk:provider:endpoint:query1=val1:query2=val2
//
// Example:
//
//	trk:jira-main:rest/api/2/search:maxResults=25:startAt=50
func (k Key) String() string {
	parts := []string{"trk", k.Provider}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
