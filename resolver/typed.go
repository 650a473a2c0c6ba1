package resolver

import (
	"context"

	"svckit/codec"
	"svckit/message"
	"svckit/status"
)

// Command adapts a typed command function to a Handler. The payload is
// decoded into T; a payload that does not decode fails with InvalidArgument.
// The response is an empty acknowledgement.
func Command[T any](fn func(ctx context.Context, cmd T) error) Handler {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		cmd, err := decode[T](req)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, cmd); err != nil {
			return nil, err
		}
		return &message.Response{}, nil
	}
}

// CommandWithResult is Command for commands that answer with data, such as
// the id of a created entity.
func CommandWithResult[T, R any](fn func(ctx context.Context, cmd T) (R, error)) Handler {
	return typed(fn)
}

// Query adapts a typed query function to a Handler. The result is encoded as
// the response payload.
func Query[T, R any](fn func(ctx context.Context, query T) (R, error)) Handler {
	return typed(fn)
}

func typed[T, R any](fn func(context.Context, T) (R, error)) Handler {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		in, err := decode[T](req)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		payload, err := codec.Default.Encode(out)
		if err != nil {
			return nil, status.Wrapf(status.Internal, err, "encode %s result", req.Type)
		}
		return &message.Response{Payload: payload}, nil
	}
}

func decode[T any](req *message.Request) (T, error) {
	var v T
	if len(req.Payload) == 0 {
		return v, nil
	}
	if err := codec.Default.Decode(req.Payload, &v); err != nil {
		return v, status.Wrapf(status.InvalidArgument, err, "decode %s payload", req.Type)
	}
	return v, nil
}
