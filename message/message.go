// Package message defines the envelope that flows through the pipeline.
//
// A Request is either a Command (mutates state, answered with an
// acknowledgement) or a Query (reads state, answered with data). The Type field
// is the type key the dispatcher routes on.
package message

import (
	"maps"
)

// Kind separates commands from queries.
type Kind uint8

const (
	Command Kind = iota + 1
	Query
)

func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case Query:
		return "query"
	default:
		return "unknown"
	}
}

// Request carries a single command or query.
//
//   - Type is the type key, e.g. "orders.create".
//   - Subject is filled by the authentication unit.
//   - Metadata holds transport headers such as the request id.
type Request struct {
	ID       string
	Kind     Kind
	Type     string
	Payload  []byte
	Metadata map[string]string
	Subject  string
}

// Response is the result of a handled request.
type Response struct {
	Payload  []byte
	Metadata map[string]string
}

// NewCommand builds a command request.
func NewCommand(typeKey string, payload []byte) *Request {
	return &Request{Kind: Command, Type: typeKey, Payload: payload, Metadata: map[string]string{}}
}

// NewQuery builds a query request.
func NewQuery(typeKey string, payload []byte) *Request {
	return &Request{Kind: Query, Type: typeKey, Payload: payload, Metadata: map[string]string{}}
}

// Clone returns a copy that can be transformed without touching r.
// Payload bytes are shared; units never modify them in place.
func (r *Request) Clone() *Request {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	return &c
}

// Get returns a metadata value.
func (r *Request) Get(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// Clone returns a copy of the response with its own metadata map.
func (r *Response) Clone() *Response {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}
