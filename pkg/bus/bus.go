// Package bus implements the Message Bus: named, durable, ordered,
// at-least-once streams over Redis Streams, with consumer groups for
// redelivery after a visibility timeout.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

// Stream names, fixed per the coordination protocol.
const (
	StreamMarketEvents     = "market_events"
	StreamTradingIntents   = "trading_intents"
	StreamExecutionResults = "execution_results"
	StreamControlEvents    = "control_events"
)

const payloadField = "p"

// Bus wraps a Redis client scoped to the four named streams.
type Bus struct {
	rdb *redis.Client
}

func New(addr string) *Bus {
	return &Bus{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish msgpack-encodes payload and XADDs it to stream, returning the
// Redis-assigned entry ID. Publication is the point of no return for the
// caller: once this returns nil error, the message is durable.
func (b *Bus) Publish(ctx context.Context, stream string, payload any) (string, error) {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("bus: marshal: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: xadd %s: %w", stream, err)
	}
	return id, nil
}

// Depth returns the current stream length, used for back-pressure decisions.
func (b *Bus) Depth(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: xlen %s: %w", stream, err)
	}
	return n, nil
}

// Message is one delivered stream entry, decoded into the caller-supplied
// destination type by Message.Decode.
type Message struct {
	ID      string
	Raw     []byte
	Attempt int // best-effort delivery count from XPENDING, 1 on first delivery
}

func (m Message) Decode(dest any) error {
	return msgpack.Unmarshal(m.Raw, dest)
}

// Consumer reads from one stream under a named consumer group, the unit of
// at-least-once delivery with ack/redeliver semantics.
type Consumer struct {
	bus      *Bus
	stream   string
	group    string
	consumer string
}

// Subscribe creates the consumer group (idempotent, from the stream's
// current tail if new) and returns a Consumer bound to it.
func (b *Bus) Subscribe(ctx context.Context, stream, group, consumer string) (*Consumer, error) {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isGroupExistsErr(err) {
		return nil, fmt.Errorf("bus: create group %s/%s: %w", stream, group, err)
	}
	return &Consumer{bus: b, stream: stream, group: group, consumer: consumer}, nil
}

func isGroupExistsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Read blocks up to block for up to count new messages. block=0 is sent
// to Redis as BLOCK 0, which waits with no timeout for a message.
func (c *Consumer) Read(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	res, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: xreadgroup %s: %w", c.stream, err)
	}
	return decodeMessages(res)
}

func decodeMessages(res []redis.XStream) ([]Message, error) {
	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			v, ok := entry.Values[payloadField]
			if !ok {
				continue
			}
			raw, ok := v.(string)
			if !ok {
				continue
			}
			out = append(out, Message{ID: entry.ID, Raw: []byte(raw), Attempt: 1})
		}
	}
	return out, nil
}

// Ack acknowledges one or more message IDs, removing them from the pending
// entries list so they are never redelivered.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.bus.rdb.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("bus: xack %s: %w", c.stream, err)
	}
	return nil
}

// ReclaimStale claims messages idle for at least minIdle, for redelivery to
// this consumer after a crash elsewhere in the group: unacked messages
// redeliver once they have sat pending longer than the visibility timeout.
func (c *Consumer) ReclaimStale(ctx context.Context, minIdle time.Duration, count int) ([]Message, error) {
	pending, err := c.bus.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: xpending %s: %w", c.stream, err)
	}

	var stale []string
	attempts := map[string]int{}
	for _, p := range pending {
		if p.Idle >= minIdle {
			stale = append(stale, p.ID)
			attempts[p.ID] = int(p.RetryCount) + 1
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	claimed, err := c.bus.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: xclaim %s: %w", c.stream, err)
	}

	out := make([]Message, 0, len(claimed))
	for _, entry := range claimed {
		v, ok := entry.Values[payloadField]
		if !ok {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Message{ID: entry.ID, Raw: []byte(raw), Attempt: attempts[entry.ID]})
	}
	return out, nil
}
