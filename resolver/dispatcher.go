// Package resolver routes commands and queries to their handlers.
//
// Commands and queries live in separate namespaces: the same type key may
// have one command handler and one query handler, never two of either. The
// split is a routing rule only. A query handler must not change state, but
// nothing here can check that; it is the handler author's contract.
package resolver

import (
	"context"
	"sort"
	"sync"

	"svckit/message"
	"svckit/status"
)

var (
	// ErrDuplicateHandler is wrapped by registrations that reuse a type key
	// within a namespace.
	ErrDuplicateHandler = status.New(status.AlreadyExists, "duplicate handler")
	// ErrUnknownHandler is wrapped by dispatches with no matching handler.
	ErrUnknownHandler = status.New(status.NotFound, "unknown handler")
)

// Handler handles one command or query type.
type Handler func(ctx context.Context, req *message.Request) (*message.Response, error)

// Dispatcher is the routing table. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[message.Kind]map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[message.Kind]map[string]Handler{
		message.Command: {},
		message.Query:   {},
	}}
}

// RegisterCommandHandler routes commands of typeKey to h.
func (d *Dispatcher) RegisterCommandHandler(typeKey string, h Handler) error {
	return d.register(message.Command, typeKey, h)
}

// RegisterQueryHandler routes queries of typeKey to h.
func (d *Dispatcher) RegisterQueryHandler(typeKey string, h Handler) error {
	return d.register(message.Query, typeKey, h)
}

func (d *Dispatcher) register(kind message.Kind, typeKey string, h Handler) error {
	if typeKey == "" {
		return status.Newf(status.InvalidArgument, "%s type key is required", kind)
	}
	if h == nil {
		return status.Newf(status.InvalidArgument, "%s handler for %s is nil", kind, typeKey)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind][typeKey]; ok {
		return status.Wrapf(status.AlreadyExists, ErrDuplicateHandler, "%s handler for %s already registered", kind, typeKey)
	}
	d.handlers[kind][typeKey] = h
	return nil
}

// Dispatch runs the handler registered for the request's kind and type key.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	if req == nil {
		return nil, status.New(status.InvalidArgument, "nil request")
	}
	d.mu.RLock()
	ns, known := d.handlers[req.Kind]
	h, ok := ns[req.Type]
	d.mu.RUnlock()
	if !known {
		return nil, status.Newf(status.InvalidArgument, "unknown request kind %d", req.Kind)
	}
	if !ok {
		return nil, status.Wrapf(status.NotFound, ErrUnknownHandler, "no %s handler for %q", req.Kind, req.Type)
	}
	resp, err := h(ctx, req)
	if err != nil {
		return nil, status.Convert(err)
	}
	if resp == nil {
		resp = &message.Response{}
	}
	return resp, nil
}

// TypeKeys returns the registered type keys of kind, sorted.
func (d *Dispatcher) TypeKeys(kind message.Kind) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.handlers[kind]))
	for k := range d.handlers[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
