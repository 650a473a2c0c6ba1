// Package middleware composes the request pipeline.
//
// A pipeline is an ordered list of units built once in front of a terminal
// handler. Each unit sees the request on the way in and may let it continue,
// answer it directly or fail it. Units that declare a response step see the
// outcome on the way back out, in reverse order:
//
//	p := middleware.New(middleware.Recover(logger), middleware.RequestID(), auth)
//	handler := p.Then(dispatcher.Dispatch)
package middleware

import (
	"context"
	"slices"

	"svckit/message"
	"svckit/status"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first one given is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Unit is one named stage of a pipeline.
type Unit interface {
	Name() string
	Wrap(next HandlerFunc) HandlerFunc
}

type outcomeKind uint8

const (
	continued outcomeKind = iota
	shortCircuited
	failed
)

// Outcome is what an intercepting unit decides for a request.
type Outcome struct {
	kind outcomeKind
	req  *message.Request
	resp *message.Response
	err  error
}

// Continue passes req, possibly transformed, to the next unit. A nil req keeps
// the incoming one.
func Continue(req *message.Request) Outcome {
	return Outcome{kind: continued, req: req}
}

// ShortCircuit answers the request with resp and skips every later unit.
func ShortCircuit(resp *message.Response) Outcome {
	return Outcome{kind: shortCircuited, resp: resp}
}

// Fail stops the request with err.
func Fail(err error) Outcome {
	return Outcome{kind: failed, err: err}
}

// InterceptFunc inspects a request on its way in.
type InterceptFunc func(ctx context.Context, req *message.Request) Outcome

// ResponseFunc inspects the result of the rest of the pipeline on its way out.
type ResponseFunc func(ctx context.Context, req *message.Request, resp *message.Response, err error) (*message.Response, error)

type interceptUnit struct {
	name string
	fn   InterceptFunc
}

// Intercept builds a request-side unit from fn.
func Intercept(name string, fn InterceptFunc) Unit {
	return &interceptUnit{name: name, fn: fn}
}

func (u *interceptUnit) Name() string { return u.name }

func (u *interceptUnit) Wrap(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		out := u.fn(ctx, req)
		switch out.kind {
		case continued:
			if out.req != nil {
				req = out.req
			}
			return next(ctx, req)
		case shortCircuited:
			return out.resp, nil
		default:
			if out.err == nil {
				return nil, status.Newf(status.Internal, "%s failed without an error", u.name)
			}
			return nil, status.Convert(out.err)
		}
	}
}

type responseUnit struct {
	Unit
	fn ResponseFunc
}

// WithResponse adds a response step to unit. The step also sees the unit's
// own short circuit or failure.
func WithResponse(unit Unit, fn ResponseFunc) Unit {
	return &responseUnit{Unit: unit, fn: fn}
}

func (u *responseUnit) Wrap(next HandlerFunc) HandlerFunc {
	h := u.Unit.Wrap(next)
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		resp, err := h(ctx, req)
		return u.fn(ctx, req, resp, err)
	}
}

type aroundUnit struct {
	name string
	mw   Middleware
}

// Around turns an onion-style middleware into a unit.
func Around(name string, mw Middleware) Unit {
	return &aroundUnit{name: name, mw: mw}
}

func (u *aroundUnit) Name() string { return u.name }

func (u *aroundUnit) Wrap(next HandlerFunc) HandlerFunc { return u.mw(next) }

// Pipeline is an immutable, ordered list of units.
type Pipeline struct {
	units []Unit
}

// New creates a pipeline running units in the given order.
func New(units ...Unit) *Pipeline {
	return &Pipeline{units: slices.Clone(units)}
}

// Names returns the unit names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.units))
	for i, u := range p.units {
		names[i] = u.Name()
	}
	return names
}

// Units returns the units in order.
func (p *Pipeline) Units() []Unit {
	return slices.Clone(p.units)
}

// Then builds the handler that runs every unit and finally terminal. The
// request context is checked before each stage; every error leaving a stage
// is a *status.Error.
func (p *Pipeline) Then(terminal HandlerFunc) HandlerFunc {
	stages := make([]Middleware, len(p.units))
	for i, u := range p.units {
		stages[i] = stage(u)
	}
	return Chain(stages...)(guard(terminal))
}

func stage(u Unit) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return guard(u.Wrap(next))
	}
}

func guard(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, status.Convert(err)
		}
		resp, err := next(ctx, req)
		if err != nil {
			return nil, status.Convert(err)
		}
		return resp, nil
	}
}
