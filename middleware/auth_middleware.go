package middleware

import (
	"context"

	"svckit/authz"
	"svckit/message"
	"svckit/status"
)

// Authenticator resolves the subject of a request. The credential format is
// up to the implementation; it usually reads req.Metadata.
type Authenticator interface {
	Authenticate(ctx context.Context, req *message.Request) (subject string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req *message.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *message.Request) (string, error) {
	return f(ctx, req)
}

// Authenticate fails the request with Unauthenticated unless a subject can be
// resolved, and stores the subject on the request for later units.
func Authenticate(a Authenticator) Unit {
	return Intercept(NameAuthenticate, func(ctx context.Context, req *message.Request) Outcome {
		subject, err := a.Authenticate(ctx, req)
		if err != nil {
			if status.Is(err, status.Unauthenticated) {
				return Fail(err)
			}
			return Fail(status.Wrap(status.Unauthenticated, err, "authentication failed"))
		}
		if subject == "" {
			return Fail(status.New(status.Unauthenticated, "no credentials"))
		}
		r := req.Clone()
		r.Subject = subject
		return Continue(r)
	})
}

// Authorize asks e whether the request subject may run the request type. The
// object is the type key and the action is the request kind. A denial fails
// with PermissionDenied; an enforcer error fails with Internal.
func Authorize(e authz.Enforcer) Unit {
	return Intercept(NameAuthorize, func(_ context.Context, req *message.Request) Outcome {
		ok, err := e.Enforce(req.Subject, req.Type, req.Kind.String())
		if err != nil {
			return Fail(status.Wrap(status.Internal, err, "authorization unavailable"))
		}
		if !ok {
			return Fail(status.Newf(status.PermissionDenied, "%q may not %s %s", req.Subject, req.Kind, req.Type))
		}
		return Continue(req)
	})
}
