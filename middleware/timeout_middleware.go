package middleware

import (
	"context"
	"time"

	"svckit/message"
	"svckit/status"
)

type result struct {
	resp *message.Response
	err  error
}

// Timeout bounds the rest of the pipeline by d. A request whose own deadline
// is earlier keeps it.
func Timeout(d time.Duration) Unit {
	return Around(NameTimeout, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, status.Wrapf(status.Convert(ctx.Err()).Kind, ctx.Err(), "%s timed out after %s", req.Type, d)
			}
		}
	})
}
