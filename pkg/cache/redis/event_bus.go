package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/hyperrisk/pkg/notify"
)

const (
	DefaultPrefix = "hyperrisk"

	// streamMaxLen caps the event stream via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// EventBus publishes each event on "<prefix>:events:<type>" and appends it
// to the "<prefix>:events" stream. It implements notify.Sink.
type EventBus struct {
	rdb    *redis.Client
	prefix string
}

var _ notify.Sink = (*EventBus)(nil)

// NewEventBus creates an EventBus backed by c. An empty prefix uses
// DefaultPrefix.
func NewEventBus(c *Client, prefix string) *EventBus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EventBus{rdb: c.Underlying(), prefix: prefix}
}

// Channel returns the pub/sub channel for an event type.
func (b *EventBus) Channel(typ notify.EventType) string {
	return b.prefix + ":events:" + string(typ)
}

// Stream returns the name of the capped event stream.
func (b *EventBus) Stream() string {
	return b.prefix + ":events"
}

func (b *EventBus) Send(ctx context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	// Both writes go out in one round trip.
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.Channel(ev.Type), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.Stream(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(ev.Type),
			"token":   ev.Token.Hex(),
			"payload": payload,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: send %s: %w", ev.Type, err)
	}
	return nil
}

// Recent reads up to count events from the stream, newest first.
func (b *EventBus) Recent(ctx context.Context, count int64) ([]notify.Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, b.Stream(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", b.Stream(), err)
	}
	out := make([]notify.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeStreamEvent(msg.Values)
		if err != nil {
			return nil, fmt.Errorf("redis: decode %s: %w", msg.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe streams events of the given types until ctx is cancelled. No
// types subscribes to every event type.
func (b *EventBus) Subscribe(ctx context.Context, types ...notify.EventType) (<-chan notify.Event, error) {
	var ps *redis.PubSub
	if len(types) == 0 {
		ps = b.rdb.PSubscribe(ctx, b.prefix+":events:*")
	} else {
		channels := make([]string, 0, len(types))
		for _, typ := range types {
			channels = append(channels, b.Channel(typ))
		}
		ps = b.rdb.Subscribe(ctx, channels...)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	out := make(chan notify.Event, 128)
	go func() {
		defer close(out)
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev notify.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeStreamEvent(values map[string]interface{}) (notify.Event, error) {
	var ev notify.Event
	var raw []byte
	switch v := values["payload"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return ev, fmt.Errorf("missing payload")
	}
	err := json.Unmarshal(raw, &ev)
	return ev, err
}
