package aggregator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrBadStateToken indicates a pagination state token that could not be
// decoded. Surfaced to the caller as a request error.
var ErrBadStateToken = errors.New("malformed pagination state token")

// State is the caller-opaque continuation value threaded between page
// requests. It records which providers are exhausted for the current query
// and the forward cursor of each provider that is still live.
//
// Exhaustion is monotonic: once a provider is marked it is never called
// again for the lifetime of this state. Callers discard the state when the
// underlying query parameters change.
type State struct {
	exhausted map[string]struct{}
	cursors   map[string]string
}

// stateJSON is the wire shape of a state token.
type stateJSON struct {
	Exhausted []string          `json:"exhausted,omitempty"`
	Cursors   map[string]string `json:"cursors,omitempty"`
}

// NewState returns an empty state for the first page of a query.
func NewState() State {
	return State{
		exhausted: make(map[string]struct{}),
		cursors:   make(map[string]string),
	}
}

// IsExhausted reports whether the provider has been marked exhausted.
func (s State) IsExhausted(providerID string) bool {
	_, ok := s.exhausted[providerID]
	return ok
}

// MarkExhausted records that the provider has no further data for this
// query. Entries are never removed.
func (s State) MarkExhausted(providerID string) {
	s.exhausted[providerID] = struct{}{}
	delete(s.cursors, providerID)
}

// Cursor returns the provider's forward cursor, or "" for the provider's
// natural starting point.
func (s State) Cursor(providerID string) string {
	return s.cursors[providerID]
}

// SetCursor records the provider's forward cursor for the next call.
func (s State) SetCursor(providerID, cursor string) {
	if cursor == "" {
		delete(s.cursors, providerID)
		return
	}
	s.cursors[providerID] = cursor
}

// Exhausted returns the sorted identifiers of all exhausted providers.
func (s State) Exhausted() []string {
	ids := make([]string, 0, len(s.exhausted))
	for id := range s.exhausted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy of the state. FetchPage works on a
// clone so a failed page request leaves the caller's state untouched.
func (s State) Clone() State {
	c := NewState()
	for id := range s.exhausted {
		c.exhausted[id] = struct{}{}
	}
	for id, cur := range s.cursors {
		c.cursors[id] = cur
	}
	return c
}

// Token encodes the state as an opaque URL-safe string. An empty state
// encodes to "". The encoding is canonical: the same state always yields
// the same token.
func (s State) Token() (string, error) {
	if len(s.exhausted) == 0 && len(s.cursors) == 0 {
		return "", nil
	}

	wire := stateJSON{
		Exhausted: s.Exhausted(),
	}
	if len(s.cursors) > 0 {
		wire.Cursors = s.cursors
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal pagination state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseToken decodes a pagination state token produced by Token. An empty
// token yields a fresh state. Undecodable input returns ErrBadStateToken.
func ParseToken(token string) (State, error) {
	state := NewState()
	if token == "" {
		return state, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrBadStateToken, err)
	}

	var wire stateJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrBadStateToken, err)
	}

	for _, id := range wire.Exhausted {
		state.exhausted[id] = struct{}{}
	}
	for id, cur := range wire.Cursors {
		if cur != "" {
			state.cursors[id] = cur
		}
	}

	return state, nil
}
