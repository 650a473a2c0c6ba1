package resolver

import (
	"strings"

	"svckit/status"
)

// Target is the kind of API a service exposes.
type Target string

const (
	REST    Target = "rest"
	GRPC    Target = "grpc"
	GraphQL Target = "graphql"
)

func (t Target) Valid() bool {
	switch t {
	case REST, GRPC, GraphQL:
		return true
	}
	return false
}

// ServiceKey is the name a service registers and is discovered under. It
// must be unique across the system.
func ServiceKey(domain string, target Target) string {
	return domain + "-" + string(target)
}

// ParseServiceKey splits a key built by ServiceKey. The domain may itself
// contain dashes.
func ParseServiceKey(key string) (string, Target, error) {
	i := strings.LastIndexByte(key, '-')
	if i <= 0 {
		return "", "", status.Newf(status.InvalidArgument, "malformed service key %q", key)
	}
	target := Target(key[i+1:])
	if !target.Valid() {
		return "", "", status.Newf(status.InvalidArgument, "unknown target %q in service key %q", target, key)
	}
	return key[:i], target, nil
}
