package middleware

import (
	"context"
	"time"

	"svckit/log"
	"svckit/message"
	"svckit/status"
)

// Logging logs every request with its duration and outcome.
func Logging(logger log.Logger) Unit {
	return Around(NameLogging, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			l := logger.With("type", req.Type, "kind", req.Kind.String(), "request_id", req.Get(RequestIDKey))
			if err != nil {
				l.Warnf("request failed after %s: %d %v", duration, status.HTTPStatusOf(err), err)
				return resp, err
			}
			l.Debugf("request handled in %s", duration)
			return resp, nil
		}
	})
}
