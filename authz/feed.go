package authz

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"svckit/codec"
	"svckit/log"
	"svckit/status"
)

// Policy event types.
const (
	AddPolicy      = "add_policy"
	RemovePolicy   = "remove_policy"
	AddPolicies    = "add_policies"
	RemovePolicies = "remove_policies"
)

// DefaultTopic is the topic policy events are published on.
const DefaultTopic = "svckit.policies"

// Event is one policy change as published on the topic.
//
//	{"type": "add_policy", "policy": ["alice", "orders.create", "command"]}
//	{"type": "remove_policies", "policies": [["bob", "*", "query"]]}
type Event struct {
	Type     string     `json:"type"`
	Policy   []string   `json:"policy,omitempty"`
	Policies [][]string `json:"policies,omitempty"`
}

// Feed applies policy events from a subscriber to a Table.
type Feed struct {
	table      *Table
	subscriber message.Subscriber
	topic      string
	codec      codec.Codec
	logger     log.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) FeedOption {
	return func(f *Feed) { f.topic = topic }
}

// WithFeedLogger sets the logger.
func WithFeedLogger(logger log.Logger) FeedOption {
	return func(f *Feed) { f.logger = logger }
}

func NewFeed(table *Table, subscriber message.Subscriber, opts ...FeedOption) *Feed {
	f := &Feed{
		table:      table,
		subscriber: subscriber,
		topic:      DefaultTopic,
		codec:      codec.Default,
		logger:     log.Discard,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run consumes events until ctx ends or the subscription closes. Every
// message is acked, including the ones that cannot be decoded or applied,
// so a bad event never blocks the topic.
func (f *Feed) Run(ctx context.Context) error {
	messages, err := f.subscriber.Subscribe(ctx, f.topic)
	if err != nil {
		return status.Wrapf(status.Unavailable, err, "subscribe to %s", f.topic)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			f.handle(msg)
			msg.Ack()
		}
	}
}

func (f *Feed) handle(msg *message.Message) {
	var ev Event
	if err := f.codec.Decode(msg.Payload, &ev); err != nil {
		f.logger.Warnf("dropping undecodable policy event %s: %v", msg.UUID, err)
		return
	}
	changed, err := f.Apply(ev)
	switch {
	case err != nil:
		f.logger.Errorf("policy event %s (%s): %v", msg.UUID, ev.Type, err)
	case !changed:
		f.logger.Warnf("policy event %s (%s) changed nothing", msg.UUID, ev.Type)
	default:
		f.logger.Debugf("applied policy event %s (%s)", msg.UUID, ev.Type)
	}
}

// Apply applies ev to the table and reports whether it changed.
func (f *Feed) Apply(ev Event) (bool, error) {
	switch ev.Type {
	case AddPolicy, RemovePolicy:
		r, err := ParseRule(ev.Policy)
		if err != nil {
			return false, err
		}
		if ev.Type == AddPolicy {
			return f.table.Add(r), nil
		}
		return f.table.Remove(r), nil
	case AddPolicies, RemovePolicies:
		rules := make([]Rule, 0, len(ev.Policies))
		for _, p := range ev.Policies {
			r, err := ParseRule(p)
			if err != nil {
				return false, err
			}
			rules = append(rules, r)
		}
		if ev.Type == AddPolicies {
			return f.table.Add(rules...), nil
		}
		return f.table.Remove(rules...), nil
	default:
		return false, status.Newf(status.InvalidArgument, "unknown policy event %q", ev.Type)
	}
}

// NewAMQPSubscriber connects a durable fan-out subscriber to the broker at
// url. Each instance gets its own queue so every one of them sees every
// policy event.
func NewAMQPSubscriber(url, queueSuffix string, logger log.Logger) (message.Subscriber, error) {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix))
	sub, err := amqp.NewSubscriber(cfg, NewWatermillLogger(logger))
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err, "connect policy subscriber")
	}
	return sub, nil
}

// watermillLogger routes watermill's logs to a log.Logger.
type watermillLogger struct {
	logger log.Logger
}

// NewWatermillLogger adapts logger to watermill.
func NewWatermillLogger(logger log.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = log.Discard
	}
	return &watermillLogger{logger: logger}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.with(fields).Errorf("%s: %v", msg, err)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.with(fields).Info(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.with(fields).Debug(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.with(fields).Debug(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: w.with(fields)}
}

func (w *watermillLogger) with(fields watermill.LogFields) log.Logger {
	if len(fields) == 0 {
		return w.logger
	}
	kv := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return w.logger.With(kv...)
}
