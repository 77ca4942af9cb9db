package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/imgcompress/internal/ratelimit"
	"go.uber.org/zap"
)

type RateLimiter interface {
	Take(ctx context.Context, budget ratelimit.Budget, subject string, cost int) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		route := routeLabel(r.URL.Path)
		user := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if user == "" {
			user = "anonymous"
		}
		budget, subject, cost := s.charge(r, route, user)

		decision, err := s.rateLimiter.Take(r.Context(), budget, subject, cost)
		if err != nil {
			s.logger.Warn("rate limiter check failed",
				zap.String("budget", string(budget)),
				zap.String("subject", subject),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.ResetAfter)))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", strconv.Itoa(max(1, ceilSeconds(decision.RetryAfter))))
		s.metrics.rateLimitRejected.WithLabelValues(route, string(budget)).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// charge picks the budget for a request. A processing run draws one image
// token per record from the user's image budget, shared across routes; every
// other mutation costs one request token scoped to its route.
func (s *Server) charge(r *http.Request, route, user string) (ratelimit.Budget, string, int) {
	if route != "/v1/sessions/{id}/process" {
		return ratelimit.BudgetRequests, user + ":" + route, 1
	}
	// The mux has not matched yet, so the session id comes from the path.
	cost := 1
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if sess, err := s.sessions.Get(parts[2]); err == nil {
		cost = max(1, len(sess.Records))
	}
	return ratelimit.BudgetImages, user, cost
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/")
}
