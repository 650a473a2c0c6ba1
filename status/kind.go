package status

import (
	"google.golang.org/grpc/codes"
)

// Kind is the canonical failure taxonomy.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	Unauthenticated
	PermissionDenied
	NotFound
	AlreadyExists
	ResourceExhausted
	FailedPrecondition
	Unavailable // backend or network
	DeadlineExceeded
	Cancelled
)

type entry struct {
	name string
	http int
	grpc codes.Code
}

// The HTTP column is part of the external contract and must not change.
var table = map[Kind]entry{
	InvalidArgument:    {"InvalidArgument", 400, codes.InvalidArgument},
	Unauthenticated:    {"Unauthenticated", 401, codes.Unauthenticated},
	PermissionDenied:   {"PermissionDenied", 403, codes.PermissionDenied},
	NotFound:           {"NotFound", 404, codes.NotFound},
	AlreadyExists:      {"AlreadyExists", 409, codes.AlreadyExists},
	ResourceExhausted:  {"ResourceExhausted", 429, codes.ResourceExhausted},
	FailedPrecondition: {"FailedPrecondition", 412, codes.FailedPrecondition},
	Unavailable:        {"Unavailable", 503, codes.Unavailable},
	DeadlineExceeded:   {"DeadlineExceeded", 504, codes.DeadlineExceeded},
	Cancelled:          {"Cancelled", 499, codes.Canceled},
	Internal:           {"Internal", 500, codes.Internal},
}

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		Internal, InvalidArgument, Unauthenticated, PermissionDenied, NotFound, AlreadyExists,
		ResourceExhausted, FailedPrecondition, Unavailable, DeadlineExceeded, Cancelled,
	}
}

func (k Kind) String() string {
	if e, ok := table[k]; ok {
		return e.name
	}
	return "Internal"
}

// HTTPStatus returns the HTTP-equivalent status code. Unknown kinds map to 500.
func (k Kind) HTTPStatus() int {
	if e, ok := table[k]; ok {
		return e.http
	}
	return 500
}

// GRPCCode returns the gRPC status code for the kind.
func (k Kind) GRPCCode() codes.Code {
	if e, ok := table[k]; ok {
		return e.grpc
	}
	return codes.Internal
}

// KindFromHTTPStatus is the inverse of HTTPStatus, defaulting to Internal.
func KindFromHTTPStatus(code int) Kind {
	for k, e := range table {
		if e.http == code {
			return k
		}
	}
	return Internal
}
