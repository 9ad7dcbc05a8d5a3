package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"frame-rpc/message"
)

// Logging records every call with its duration; failures at warn level.
func Logging(log zerolog.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, call)
			ev := log.Debug()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			ev.Str("method", call.Method()).
				Bool("reply", call.ExpectsReply()).
				Dur("took", time.Since(start)).
				Msg("call")
			return result, err
		}
	}
}
