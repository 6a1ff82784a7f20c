// Package ratelimit tracks per-provider request budgets and gates outgoing
// tracker calls. It reads the de-facto standard X-RateLimit-Remaining and
// X-RateLimit-Reset response headers (GitHub, GitLab, and most hosted
// trackers emit them) and shares the observed state across instances via
// Redis.
package ratelimit

import (
	"fmt"
	"time"
)

// budgetKey builds the Redis key for one field of a provider's budget state.
func budgetKey(provider, field string) string {
	return fmt.Sprintf("trk:%s:budget:%s", provider, field)
}

// Thresholds for budget decisions.
const (
	// BudgetThresholdCritical blocks requests to a provider when its
	// remaining budget falls below this value. Stopping early keeps a few
	// requests in reserve for single-ticket lookups.
	BudgetThresholdCritical = 5

	// BudgetThresholdWarning throttles requests when the remaining budget
	// falls below this value.
	BudgetThresholdWarning = 50

	// BudgetThresholdHealthy indicates normal operation.
	BudgetThresholdHealthy = 200
)

// BudgetState represents the last observed rate budget of one provider.
// Shared across all client instances via Redis.
type BudgetState struct {
	// Remaining is the number of requests the provider will still accept in
	// the current window, from X-RateLimit-Remaining.
	Remaining int `json:"remaining"`

	// ResetAt is when the provider's window resets, from X-RateLimit-Reset.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining is at or above BudgetThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *BudgetState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked until the
// window resets.
func (s *BudgetState) NeedsCriticalBlock() bool {
	// A reset in the past means the window rolled over since we last saw a
	// header; assume the budget refilled.
	if !s.ResetAt.IsZero() && time.Now().After(s.ResetAt) {
		return false
	}
	return s.Remaining < BudgetThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *BudgetState) NeedsThrottling() bool {
	return s.Remaining < BudgetThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the budget window resets.
// Returns 0 if the reset time has already passed.
func (s *BudgetState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *BudgetState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= BudgetThresholdHealthy
}
