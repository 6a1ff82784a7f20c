package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for budget tracking.
var (
	trackerBudgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_budget_remaining",
		Help: "Requests remaining in the provider's current rate limit window",
	}, []string{"provider"})

	trackerBudgetBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_budget_blocks_total",
		Help: "Total number of requests blocked due to critical provider budget",
	}, []string{"provider"})

	trackerBudgetThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_budget_throttles_total",
		Help: "Total number of requests throttled due to low provider budget",
	}, []string{"provider"})
)

// Tracker monitors per-provider request budgets and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new budget tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current budget state of a provider from Redis.
// Returns a default healthy state if no data exists yet.
func (t *Tracker) GetState(ctx context.Context, provider string) (*BudgetState, error) {
	remaining, err := t.redis.Get(ctx, budgetKey(provider, "remaining")).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get budget remaining: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, budgetKey(provider, "reset")).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get budget reset: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, budgetKey(provider, "last_update")).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get budget last update: %w", err)
	}

	// No observed headers yet: assume healthy until told otherwise.
	if err == redis.Nil {
		t.logger.Debug().
			Str("provider", provider).
			Msg("No budget state in Redis, returning default healthy state")
		return &BudgetState{
			Remaining:  BudgetThresholdHealthy,
			ResetAt:    time.Now().Add(60 * time.Second),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse budget last update: %w", err)
		}
	}

	state := &BudgetState{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses rate limit headers from a provider response and
// updates the Redis state. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, provider string, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		// Not all trackers emit budget headers; nothing to record.
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	now := time.Now()
	state := &BudgetState{
		Remaining:  remain,
		LastUpdate: now,
	}

	// X-RateLimit-Reset is a Unix timestamp on GitHub; GitLab omits it on
	// some endpoints, in which case we assume a one-minute window.
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		state.ResetAt = time.Unix(resetUnix, 0)
	} else {
		state.ResetAt = now.Add(60 * time.Second)
	}
	state.UpdateHealth()

	// Store in Redis atomically
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, budgetKey(provider, "remaining"), remain, 0)
	pipe.Set(ctx, budgetKey(provider, "reset"), state.ResetAt.Unix(), 0)

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal budget last update: %w", err)
	}
	pipe.Set(ctx, budgetKey(provider, "last_update"), lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store budget state in redis: %w", err)
	}

	trackerBudgetRemaining.WithLabelValues(provider).Set(float64(remain))

	logEvent := t.logger.Info().
		Str("provider", provider).
		Int("remaining", remain).
		Time("reset_at", state.ResetAt).
		Bool("is_healthy", state.IsHealthy)

	if state.NeedsCriticalBlock() {
		logEvent = t.logger.Error().Str("provider", provider)
		logEvent.Msg("Provider budget CRITICAL - requests will be blocked")
	} else if state.NeedsThrottling() {
		logEvent = t.logger.Warn().Str("provider", provider)
		logEvent.Msg("Provider budget WARNING - requests will be throttled")
	} else {
		logEvent.Msg("Provider budget state updated")
	}

	return nil
}

// ShouldAllowRequest checks if a request to the provider should be allowed
// based on its current budget state. Returns false if the request should be
// blocked; may sleep briefly for throttling in the warning band.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, provider string) (bool, error) {
	state, err := t.GetState(ctx, provider)
	if err != nil {
		return false, fmt.Errorf("get budget state: %w", err)
	}

	// Critical: block until the window resets
	if state.NeedsCriticalBlock() {
		waitDuration := state.TimeUntilReset()

		t.logger.Error().
			Str("provider", provider).
			Int("remaining", state.Remaining).
			Dur("wait_duration", waitDuration).
			Msg("Provider budget critical - blocking request")

		trackerBudgetBlocksTotal.WithLabelValues(provider).Inc()
		return false, nil
	}

	// Warning: apply throttling (1 second sleep)
	if state.NeedsThrottling() {
		t.logger.Warn().
			Str("provider", provider).
			Int("remaining", state.Remaining).
			Msg("Provider budget warning - throttling request")

		trackerBudgetThrottlesTotal.WithLabelValues(provider).Inc()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return true, nil
}
