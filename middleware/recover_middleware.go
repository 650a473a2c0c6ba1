package middleware

import (
	"context"
	"runtime/debug"

	"svckit/log"
	"svckit/message"
	"svckit/status"
)

// Recover turns a panic in the rest of the pipeline into an Internal error.
func Recover(logger log.Logger) Unit {
	return Around(NameRecover, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("panic handling %s: %v\n%s", req.Type, r, debug.Stack())
					resp, err = nil, status.Newf(status.Internal, "panic handling %s", req.Type)
				}
			}()
			return next(ctx, req)
		}
	})
}
