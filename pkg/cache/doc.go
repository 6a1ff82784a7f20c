// Package cache provides tracker response caching with a Redis backend.
//
// Issue trackers (GitHub in particular) serve strong ETags and honor
// If-None-Match; a 304 costs far less of the provider's rate budget than a
// full payload. The cache manager implements:
//
//   - Per-provider cache keys (responses never shared across integrations)
//   - ETag support for conditional requests (If-None-Match)
//   - Last-Modified support (If-Modified-Since)
//   - TTL from the expires header, with a short fallback for trackers that
//     send no caching headers at all
//   - Prometheus metrics for observability
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		Provider: "github-main",
//		Endpoint: "/repos/acme/widgets/issues",
//		QueryParams: url.Values{"per_page": []string{"25"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from the tracker
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// tracker returns 304 if nothing changed
//	}
package cache
