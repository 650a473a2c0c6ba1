package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"svckit/message"
	"svckit/status"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件
func RateLimit(r float64, burst int) Unit {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return Intercept(NameRateLimit, func(_ context.Context, req *message.Request) Outcome {
		if !limiter.Allow() {
			return Fail(status.Newf(status.ResourceExhausted, "rate limit exceeded for %s", req.Type))
		}
		return Continue(req)
	})
}
