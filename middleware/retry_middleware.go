package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"frame-rpc/message"
)

// Retry re-issues a call that timed out, up to maxRetries more times with
// exponential backoff. Other failures, including remote errors, are final.
// Notifications are never retried since nothing tells us they failed.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries && err != nil && call.ExpectsReply(); i++ {
				if !errors.Is(err, ErrTimeout) {
					return nil, err
				}
				delay := baseDelay * time.Duration(1<<i)
				zerolog.Ctx(ctx).Warn().
					Str("method", call.Method()).
					Int("attempt", i+1).
					Dur("backoff", delay).
					Msg("retrying timed out call")
				select {
				case <-ctx.Done():
					return nil, err
				case <-time.After(delay):
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}
