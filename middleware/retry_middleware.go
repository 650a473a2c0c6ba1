package middleware

import (
	"context"
	"time"

	"svckit/log"
	"svckit/message"
	"svckit/status"
)

// Retry re-runs the rest of the pipeline when it fails with Unavailable or
// DeadlineExceeded, waiting backoff, 2*backoff, 4*backoff... in between.
// Nothing is retried once the request's own context is done.
func Retry(maxRetries int, backoff time.Duration, logger log.Logger) Unit {
	return Around(NameRetry, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) || ctx.Err() != nil {
					return resp, err
				}
				logger.Debugf("retry attempt %d for %s due to error: %v", i+1, req.Type, err)
				timer := time.NewTimer(backoff * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, status.FromContext(ctx)
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	})
}

func retryable(err error) bool {
	switch status.KindOf(err) {
	case status.Unavailable, status.DeadlineExceeded:
		return true
	}
	return false
}
