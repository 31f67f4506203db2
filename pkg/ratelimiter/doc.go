// Package ratelimiter provides token bucket rate limiting for job workers and
// HTTP handlers.
//
// A Bucket admits up to Capacity requests in a burst and adds RefillRate
// tokens every RefillInterval. State lives in a Store: MemoryStore limits a
// single process, RedisStore shares one bucket per key between all processes
// connected to the same Redis server. Denied requests take no tokens.
//
// # Worker throttling
//
//	store, err := ratelimiter.NewRedisStore(client, "jq:ratelimit")
//	if err != nil {
//		return err
//	}
//	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       100,
//		RefillRate:     100,
//		RefillInterval: time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	worker, err := queue.NewWorker(broker, "webhook", processor, queue.WithRateLimiter(limiter))
//
// # HTTP middleware
//
//	r.Use(ratelimiter.Middleware(limiter, ratelimiter.ClientIP,
//		ratelimiter.WithLimitedHandler(func(w http.ResponseWriter, r *http.Request, res *ratelimiter.Result) {
//			// write a custom 429 response
//		}),
//	))
//
// The middleware sets X-RateLimit-Limit, X-RateLimit-Remaining,
// X-RateLimit-Reset and, for denied requests, Retry-After.
package ratelimiter
