package middleware

import (
	"context"
	"time"

	"svckit/message"
	"svckit/metrics"
	"svckit/status"
)

// Metrics counts requests by type key and status code and observes their
// latency.
func Metrics(c *metrics.Collector) Unit {
	return Around(NameMetrics, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			c.Request(req.Type, status.HTTPStatusOf(err), time.Since(start))
			return resp, err
		}
	})
}
