package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kubegram/kubegram/runtime/telemetry"
)

const defaultBuffer = 16

type (
	// TopicOptions configures a Topic.
	TopicOptions[T any] struct {
		// Guard filters decoded messages; messages it rejects are dropped
		// with a warning. Optional.
		Guard func(T) bool

		// Buffer sizes the delivery channel. Defaults to 16.
		Buffer int

		// Logger records dropped messages and decode failures. Defaults to a
		// no-op logger.
		Logger telemetry.Logger
	}

	// Topic publishes and subscribes values of one message type over a Bus,
	// JSON-encoded. Malformed payloads and guard-rejected messages are
	// dropped with a warning rather than terminating the subscription.
	Topic[T any] struct {
		bus    Bus
		guard  func(T) bool
		buffer int
		logger telemetry.Logger
	}

	// Delivery pairs a decoded message with the channel it arrived on.
	Delivery[T any] struct {
		Channel string
		Message T
	}
)

// NewTopic binds a message type to a bus.
func NewTopic[T any](bus Bus, opts TopicOptions[T]) *Topic[T] {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Topic[T]{bus: bus, guard: opts.Guard, buffer: buffer, logger: logger}
}

// Publish JSON-encodes msg and publishes it on channel.
func (t *Topic[T]) Publish(ctx context.Context, channel string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub encode: %w", err)
	}
	if err := t.bus.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("pubsub publish %q: %w", channel, err)
	}
	return nil
}

// Subscribe opens a typed subscription on one channel. The returned channel
// is closed when the subscription ends; cancel releases it.
func (t *Topic[T]) Subscribe(ctx context.Context, channel string) (<-chan T, func(), error) {
	sub, err := t.bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub subscribe %q: %w", channel, err)
	}
	deliveries, cancel := t.consume(sub)
	out := make(chan T, t.buffer)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- d.Message
		}
	}()
	return out, cancel, nil
}

// PSubscribe opens a typed pattern subscription. Each delivery carries the
// concrete channel the message arrived on.
func (t *Topic[T]) PSubscribe(ctx context.Context, pattern string) (<-chan Delivery[T], func(), error) {
	sub, err := t.bus.PSubscribe(ctx, pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub psubscribe %q: %w", pattern, err)
	}
	deliveries, cancel := t.consume(sub)
	return deliveries, cancel, nil
}

// consume decodes and filters messages from sub until it ends or cancel is
// called. The returned channel is closed on exit.
func (t *Topic[T]) consume(sub Subscription) (chan Delivery[T], func()) {
	out := make(chan Delivery[T], t.buffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				var decoded T
				if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
					t.logger.Warn(context.Background(), "pubsub message dropped",
						"channel", msg.Channel, "err", err.Error())
					continue
				}
				if t.guard != nil && !t.guard(decoded) {
					t.logger.Warn(context.Background(), "pubsub message rejected by guard",
						"channel", msg.Channel)
					continue
				}
				select {
				case out <- Delivery[T]{Channel: msg.Channel, Message: decoded}:
				case <-done:
					return
				}
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := sub.Close(); err != nil {
				t.logger.Warn(context.Background(), "pubsub close failed", "err", err.Error())
			}
		})
	}
	return out, cancel
}
