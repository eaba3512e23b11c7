package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultStreamPrefix namespaces the per-workflow event streams.
const DefaultStreamPrefix = "orchestrator:runs:"

// MaxStreamLength caps each stream; trimming is approximate.
const MaxStreamLength = 10000

// streamClient is the subset of the redis client the publisher uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisPublisher appends events to one Redis stream per workflow.
type RedisPublisher struct {
	client streamClient
	prefix string
}

// NewRedisPublisher connects to the Redis server at url.
func NewRedisPublisher(ctx context.Context, url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "events: parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "events: ping redis")
	}
	zap.L().Info("events: connected to redis", zap.String("addr", opts.Addr))
	return newRedisPublisher(client, prefix), nil
}

func newRedisPublisher(client streamClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Stream returns the stream key for a workflow.
func (p *RedisPublisher) Stream(workflowID string) string {
	return p.prefix + workflowID
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return eris.Wrap(err, "events: marshal event data")
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream(ev.WorkflowID),
		MaxLen: MaxStreamLength,
		Approx: true,
		Values: map[string]any{
			"id":        ev.ID,
			"type":      string(ev.Type),
			"run_id":    ev.RunID,
			"status":    string(ev.Status),
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
			"data":      string(data),
		},
	}).Result()
	if err != nil {
		return eris.Wrapf(err, "events: xadd %s", ev.Type)
	}
	zap.L().Debug("events: published",
		zap.String("stream", p.Stream(ev.WorkflowID)),
		zap.String("seq", id),
		zap.String("type", string(ev.Type)),
	)
	return nil
}

// Close releases the connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
