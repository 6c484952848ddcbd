package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStreams appends every message to one Redis stream with XADD.
type RedisStreams struct {
	Client *redis.Client
	Stream string
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64
}

func (r RedisStreams) Publish(ctx context.Context, msg Message) error {
	if r.Client == nil {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.Stream,
		Values: map[string]interface{}{
			"topic":     msg.Topic,
			"type":      msg.Type,
			"tenant_id": msg.TenantID,
			"entity_id": msg.EntityID,
			"data":      string(body),
			"timestamp": msg.TS.Unix(),
		},
	}
	if r.MaxLen > 0 {
		args.MaxLen = r.MaxLen
		args.Approx = true
	}
	if _, err := r.Client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.Stream, err)
	}
	return nil
}

// ReadStream decodes stream entries after id ("0" for the beginning).
func ReadStream(ctx context.Context, client *redis.Client, stream, id string, count int64) ([]Message, string, error) {
	res, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, id},
		Count:   count,
		Block:   -1,
	}).Result()
	if err == redis.Nil {
		return nil, id, nil
	}
	if err != nil {
		return nil, id, err
	}
	var out []Message
	last := id
	for _, s := range res {
		for _, entry := range s.Messages {
			last = entry.ID
			raw, _ := entry.Values["data"].(string)
			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				return out, last, fmt.Errorf("decode stream entry %s: %w", entry.ID, err)
			}
			out = append(out, msg)
		}
	}
	return out, last, nil
}
