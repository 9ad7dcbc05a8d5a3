package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"frame-rpc/message"
)

// RateLimit rejects calls above r per second (token bucket with the given
// burst) instead of queueing them.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}
