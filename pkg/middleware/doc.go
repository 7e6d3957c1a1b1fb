// Package middleware rate limits the admin API.
//
// RateLimiter keeps token buckets in process. DistributedRateLimiter keeps
// fixed window counters in Redis so replicas share one budget. Both plug into
// RateLimit, which picks a key per request:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(middleware.RateLimit(limiter, middleware.PrincipalKey, logger))
//
// RouteSubjectKey narrows a limiter to one route, such as deletion code
// verification, keyed on the data subject rather than the caller.
package middleware
