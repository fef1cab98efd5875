package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-redis/redis_rate/v9"
	log "github.com/sirupsen/logrus"

	"github.com/2beens/usermgmt/internal/apperr"
	"github.com/2beens/usermgmt/internal/telemetry/metrics"
	"github.com/2beens/usermgmt/pkg"
)

//go:generate mockgen -source=$GOFILE -destination=rate_limiting_mocks_test.go -package=middleware_test

type RequestRateLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimit allows allowedPerMin requests per minute for each client IP on
// the given route.
func RateLimit(
	rateLimiter RequestRateLimiter,
	routeName string,
	allowedPerMin int,
	metricsManager *metrics.Manager,
) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, err := pkg.ReadUserIP(r)
			if err != nil {
				ip = "unknown"
			}

			res, err := rateLimiter.Allow(
				r.Context(),
				fmt.Sprintf("rate:%s:%s", routeName, ip),
				redis_rate.PerMinute(allowedPerMin),
			)
			if err != nil {
				apperr.Write(w, r, apperr.Internal("rate limit internal error", err))
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if res.Allowed > 0 {
				next.ServeHTTP(w, r)
				return
			}

			if metricsManager != nil {
				metricsManager.CounterRateLimitedRequests.Inc()
			}
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			log.Debugf("rate limited [%s] from [%s], retry after %ds", routeName, ip, retryAfter)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apperr.Write(w, r, apperr.RateLimited(fmt.Sprintf("Too many requests, retry after %d seconds", retryAfter)))
		})
	}
}
