// Package httpx provides the shared HTTP client that all tracker adapters
// ride: response caching with conditional requests, per-provider rate budget
// gating, retry with backoff, and error classification. Keeping one client
// under every adapter is what makes a misbehaving tracker degrade a page
// instead of failing it.
package httpx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deskhive/external-tickets/pkg/cache"
	"github.com/deskhive/external-tickets/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for tracker client operations.
var (
	trackerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_requests_total",
		Help: "Total tracker requests by provider and status",
	}, []string{"provider", "status"})

	trackerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracker_request_duration_seconds",
		Help:    "Tracker request duration in seconds by provider",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	trackerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_errors_total",
		Help: "Total tracker errors by class",
	}, []string{"class"})
)

// Client is the shared HTTP client for tracker adapters.
type Client struct {
	httpClient *http.Client
	budget     *ratelimit.Tracker
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis client for response caching and shared budget state. Optional:
	// a nil client disables both, which is acceptable for tests and
	// single-instance deployments that can absorb the extra tracker calls.
	Redis *redis.Client

	// User-Agent header sent on every request. Required; hosted trackers
	// reject or deprioritize anonymous clients.
	UserAgent string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redisClient *redis.Client, userAgent string) Config {
	return Config{
		Redis:          redisClient,
		UserAgent:      userAgent,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
	}
}

// New creates a new tracker client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "tracker-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger,
	}

	if cfg.Redis != nil {
		c.budget = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
	} else {
		logger.Warn().Msg("No Redis configured - response caching and budget gating disabled")
	}

	return c, nil
}

// Do performs an HTTP request on behalf of the named provider, with budget
// gating, caching, retry, and error classification. Responses with 4xx
// statuses are returned to the caller (not retried); retriable failures that
// exhaust their attempts come back as errors.
func (c *Client) Do(provider string, req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		trackerRequestDuration.WithLabelValues(provider).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: check the provider's rate budget
	if c.budget != nil {
		allowed, err := c.budget.ShouldAllowRequest(ctx, provider)
		if err != nil {
			c.logger.Error().Err(err).Str("provider", provider).Msg("Budget check failed")
			return nil, fmt.Errorf("budget check: %w", err)
		}
		if !allowed {
			c.logger.Warn().
				Str("provider", provider).
				Str("endpoint", endpoint).
				Msg("Request blocked by budget tracker")
			trackerRequestsTotal.WithLabelValues(provider, "budget_blocked").Inc()
			return nil, ErrBudgetExceeded
		}
	}

	// Step 2: check cache
	var cachedEntry *cache.Entry
	cacheKey := cache.Key{
		Provider:    provider,
		Endpoint:    endpoint,
		QueryParams: req.URL.Query(),
	}

	if c.cache != nil {
		var err error
		cachedEntry, err = c.cache.Get(ctx, cacheKey)
		if err != nil && err != cache.ErrCacheMiss {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	// Step 3: make the request conditional if we hold a validator
	if cachedEntry != nil && cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("provider", provider).
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	// Step 4: standard headers
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	// Step 5: execute with retry
	c.logger.Debug().
		Str("provider", provider).
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing tracker request")

	var resp *http.Response
	var errClass ErrorClass

	retryErr := retryWithBackoff(ctx, func() error {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req)

		if reqErr != nil {
			c.logger.Error().Err(reqErr).
				Str("provider", provider).
				Str("endpoint", endpoint).
				Msg("HTTP request failed")
			errClass = Classify(0, reqErr)
			trackerErrorsTotal.WithLabelValues(string(errClass)).Inc()
			trackerRequestsTotal.WithLabelValues(provider, "network_error").Inc()
			return reqErr
		}

		// Record the provider's budget headers whenever present
		if c.budget != nil {
			if err := c.budget.UpdateFromHeaders(ctx, provider, resp.Header); err != nil {
				c.logger.Warn().Err(err).Str("provider", provider).Msg("Failed to update budget from headers")
			}
		}

		// 304 Not Modified is success (answered from cache below)
		if resp.StatusCode == http.StatusNotModified {
			return nil
		}

		if resp.StatusCode >= 400 {
			errClass = Classify(resp.StatusCode, nil)
			trackerErrorsTotal.WithLabelValues(string(errClass)).Inc()
			trackerRequestsTotal.WithLabelValues(provider, fmt.Sprintf("%d", resp.StatusCode)).Inc()

			c.logger.Warn().
				Str("provider", provider).
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Tracker request error")

			if shouldRetry(errClass) {
				lastErr := &TrackerError{
					Provider:   provider,
					StatusCode: resp.StatusCode,
					ErrorClass: errClass,
					Message:    resp.Status,
				}
				resp.Body.Close() // close before retrying
				return lastErr
			}

			// Client errors are not retried; the adapter decides what a
			// 404 or 403 means for its provider.
			return nil
		}

		trackerRequestsTotal.WithLabelValues(provider, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		return nil
	}, func(err error) ErrorClass {
		return errClass
	})

	if retryErr != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, retryErr
	}

	// Step 6: answer 304 from cache
	if resp.StatusCode == http.StatusNotModified {
		c.logger.Debug().
			Str("provider", provider).
			Str("endpoint", endpoint).
			Msg("304 Not Modified - using cache")
		trackerRequestsTotal.WithLabelValues(provider, "304").Inc()
		cache.NotModifiedResponses.Inc()

		if c.cache != nil && cachedEntry != nil {
			if expiresStr := resp.Header.Get("Expires"); expiresStr != "" {
				if newExpires, err := http.ParseTime(expiresStr); err == nil {
					if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
						c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
					}
				}
			}

			resp.Body.Close()
			return cache.EntryToResponse(cachedEntry), nil
		}

		// 304 without a cached body should not happen; treat as a miss.
		resp.Body.Close()
		return nil, fmt.Errorf("tracker %s: 304 response without cached entry", provider)
	}

	// Step 7: cache successful responses
	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if entry.TTL() > 0 {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			} else {
				c.logger.Debug().
					Str("provider", provider).
					Str("endpoint", endpoint).
					Dur("ttl", entry.TTL()).
					Msg("Cached response")
			}
		}
	}

	return resp, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
