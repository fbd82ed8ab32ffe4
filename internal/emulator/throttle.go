package emulator

import (
	"net/http"

	"golang.org/x/time/rate"
)

// WithThrottle limits accepted invokes to rps per second with the given
// burst. Excess invokes get 429 the way a throttled function does. rps <= 0
// disables throttling.
func WithThrottle(rps float64, burst int) Option {
	return func(e *Emulator) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// throttle rejects invokes over the configured rate
func (e *Emulator) throttle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.limiter != nil && !e.limiter.Allow() {
			e.logger.Warn("Invoke throttled", map[string]interface{}{"limit": float64(e.limiter.Limit())})
			writeJSON(w, http.StatusTooManyRequests, apiError{
				ErrorType:    "TooManyRequestsException",
				ErrorMessage: "Rate Exceeded.",
			})
			return
		}
		next(w, r)
	}
}
