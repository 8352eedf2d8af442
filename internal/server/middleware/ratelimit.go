package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit rejects requests with 429 RATE_LIMITED once limiter runs dry.
// A nil limiter disables limiting.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				tooMany(w, r, time.Second)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				tooMany(w, r, delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLimiter returns a token bucket for perSecond events, or nil when
// perSecond is zero.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func tooMany(w http.ResponseWriter, r *http.Request, retry time.Duration) {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeErrorResponse(w, ErrorBody{
		Code:      "RATE_LIMITED",
		Message:   "too many submissions, retry later",
		RequestID: GetRequestID(r.Context()),
	}, http.StatusTooManyRequests)
}
