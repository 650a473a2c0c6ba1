package middleware

import (
	"context"

	"github.com/google/uuid"

	"svckit/message"
)

// RequestIDKey is the metadata key carrying the request id.
const RequestIDKey = "x-request-id"

// RequestID makes sure every request has an id, taken from the metadata, the
// request itself or a fresh uuid, and echoes it on the response.
func RequestID() Unit {
	return Around(NameRequestID, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			id := req.Get(RequestIDKey)
			if id == "" {
				id = req.ID
			}
			if id == "" {
				id = uuid.NewString()
			}
			if req.ID != id || req.Get(RequestIDKey) != id {
				req = req.Clone()
				req.ID = id
				req.Metadata[RequestIDKey] = id
			}

			resp, err := next(ctx, req)
			if resp == nil {
				return resp, err
			}
			resp = resp.Clone()
			if resp.Metadata == nil {
				resp.Metadata = map[string]string{}
			}
			resp.Metadata[RequestIDKey] = id
			return resp, err
		}
	})
}
