package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svckit/config"
	"svckit/message"
	"svckit/status"
)

// echoHandler 直接返回成功响应
func echoHandler(_ context.Context, req *message.Request) (*message.Response, error) {
	return &message.Response{Payload: []byte("ok:" + req.Type), Metadata: map[string]string{}}, nil
}

// recorder returns a unit that notes its name on the way in and out.
func recorder(name string, trail *[]string) Unit {
	in := Intercept(name, func(_ context.Context, req *message.Request) Outcome {
		*trail = append(*trail, name+">")
		return Continue(req)
	})
	return WithResponse(in, func(_ context.Context, _ *message.Request, resp *message.Response, err error) (*message.Response, error) {
		*trail = append(*trail, "<"+name)
		return resp, err
	})
}

func TestPipelineOrder(t *testing.T) {
	var trail []string
	p := New(recorder("a", &trail), recorder("b", &trail), recorder("c", &trail))
	assert.Equal(t, []string{"a", "b", "c"}, p.Names())

	h := p.Then(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		trail = append(trail, "handler")
		return echoHandler(ctx, req)
	})
	resp, err := h(context.Background(), message.NewQuery("orders.get", nil))
	require.NoError(t, err)
	assert.Equal(t, "ok:orders.get", string(resp.Payload))
	assert.Equal(t, []string{"a>", "b>", "c>", "handler", "<c", "<b", "<a"}, trail)
}

func TestPipelineShortCircuit(t *testing.T) {
	var trail []string
	cached := &message.Response{Payload: []byte("from b")}
	b := Intercept("b", func(context.Context, *message.Request) Outcome {
		trail = append(trail, "b>")
		return ShortCircuit(cached)
	})
	cCalled := false
	c := Intercept("c", func(_ context.Context, req *message.Request) Outcome {
		cCalled = true
		return Continue(req)
	})
	handlerCalled := false

	h := New(recorder("a", &trail), b, c).Then(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		handlerCalled = true
		return echoHandler(ctx, req)
	})

	for _, req := range []*message.Request{message.NewQuery("orders.get", nil), message.NewCommand("orders.create", []byte("{}"))} {
		trail = nil
		resp, err := h(context.Background(), req)
		require.NoError(t, err)
		assert.Same(t, cached, resp)
		assert.Equal(t, []string{"a>", "b>", "<a"}, trail)
	}
	assert.False(t, cCalled)
	assert.False(t, handlerCalled)
}

func TestPipelineFail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind status.Kind
	}{
		{"canonical error keeps its kind", status.New(status.NotFound, "gone"), status.NotFound},
		{"plain error becomes internal", errors.New("boom"), status.Internal},
		{"missing error becomes internal", nil, status.Internal},
		{"context error is classified", context.DeadlineExceeded, status.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var trail []string
			called := false
			h := New(
				recorder("a", &trail),
				Intercept("fail", func(context.Context, *message.Request) Outcome { return Fail(tt.err) }),
				Intercept("never", func(_ context.Context, req *message.Request) Outcome {
					called = true
					return Continue(req)
				}),
			).Then(echoHandler)

			resp, err := h(context.Background(), message.NewCommand("orders.create", nil))
			assert.Nil(t, resp)
			var se *status.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.kind, se.Kind)
			assert.False(t, called)
			assert.Equal(t, []string{"a>", "<a"}, trail)
		})
	}
}

func TestPipelineContinueTransforms(t *testing.T) {
	tag := Intercept("tag", func(_ context.Context, req *message.Request) Outcome {
		r := req.Clone()
		r.Metadata["tenant"] = "acme"
		return Continue(r)
	})
	keep := Intercept("keep", func(context.Context, *message.Request) Outcome { return Continue(nil) })

	original := message.NewQuery("orders.get", nil)
	h := New(tag, keep).Then(func(_ context.Context, req *message.Request) (*message.Response, error) {
		return &message.Response{Payload: []byte(req.Get("tenant"))}, nil
	})
	resp, err := h(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, "acme", string(resp.Payload))
	assert.Empty(t, original.Get("tenant"))
}

func TestPipelineChecksContext(t *testing.T) {
	called := false
	h := New(recorder("a", new([]string))).Then(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		called = true
		return echoHandler(ctx, req)
	})

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := h(expired, message.NewQuery("orders.get", nil))
	assert.True(t, status.Is(err, status.DeadlineExceeded))
	assert.Equal(t, 504, status.HTTPStatusOf(err))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h(cancelled, message.NewQuery("orders.get", nil))
	assert.True(t, status.Is(err, status.Cancelled))
	assert.Equal(t, 499, status.HTTPStatusOf(err))
	assert.False(t, called)

	// a deadline passing inside a unit stops the next stage
	slow := Intercept("slow", func(_ context.Context, req *message.Request) Outcome {
		time.Sleep(30 * time.Millisecond)
		return Continue(req)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = New(slow).Then(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		called = true
		return echoHandler(ctx, req)
	})(ctx, message.NewQuery("orders.get", nil))
	assert.True(t, status.Is(err, status.DeadlineExceeded))
	assert.False(t, called)
}

func TestHandlerErrorsAreCanonical(t *testing.T) {
	h := New().Then(func(context.Context, *message.Request) (*message.Response, error) {
		return nil, errors.New("driver: connection reset")
	})
	_, err := h(context.Background(), message.NewCommand("orders.create", nil))
	var se *status.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, status.Internal, se.Kind)
}

func TestChain(t *testing.T) {
	var trail []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				trail = append(trail, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(mw("logging"), mw("timeout"))(echoHandler)
	resp, err := handler(context.Background(), message.NewQuery("orders.get", nil))
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, []string{"logging", "timeout"}, trail)
}

func TestBuild(t *testing.T) {
	catalog := DefaultCatalog(Dependencies{})

	p, err := Build(config.Middleware{Order: []string{NameRecover, NameRequestID, NameRateLimit, NameTimeout, NameCache}}, catalog)
	require.NoError(t, err)
	assert.Equal(t, []string{NameRecover, NameRequestID, NameRateLimit, NameTimeout, NameCache}, p.Names())

	resp, err := p.Then(echoHandler)(context.Background(), message.NewQuery("orders.get", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Metadata[RequestIDKey])

	_, err = Build(config.Middleware{Order: []string{NameRecover, "jwt"}}, catalog)
	assert.True(t, status.Is(err, status.InvalidArgument))

	_, err = Build(config.Middleware{Order: []string{NameAuthorize}}, catalog)
	assert.True(t, status.Is(err, status.InvalidArgument))

	p, err = Build(config.Middleware{}, catalog)
	require.NoError(t, err)
	assert.Empty(t, p.Names())

	redisCfg := config.Middleware{Order: []string{NameCache}, Redis: config.Redis{Address: "127.0.0.1:6379"}}
	for range 2 {
		p, err = Build(redisCfg, catalog)
		require.NoError(t, err)
		assert.Equal(t, []string{NameCache}, p.Names())
	}
}
