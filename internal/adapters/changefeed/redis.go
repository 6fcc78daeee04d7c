package changefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/okian/outreachops/pkg/metrics"
)

// Redis publishes changes on one pub/sub channel per collection. Pub/sub is
// fire-and-forget: subscribers that are offline miss changes, which the
// daily recompute heals.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis feed on an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "outreach"
	}
	return &Redis{client: client, prefix: prefix}
}

// NewRedisAddr dials addr and verifies the connection.
func NewRedisAddr(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) channel(c Collection) string {
	return r.prefix + ":changes:" + string(c)
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, c Change) error {
	payload, err := encode(c)
	if err == nil {
		err = r.client.Publish(ctx, r.channel(c.Collection), payload).Err()
	}
	metrics.RecordFeedPublish(string(c.Collection), err)
	return err
}

// Subscribe implements Subscriber.
func (r *Redis) Subscribe(ctx context.Context, _ string, collections ...Collection) (Subscription, error) {
	if len(collections) == 0 {
		collections = []Collection{Signals, Resources, Logs, Aggregates, Metrics, Recompute}
	}
	channels := make([]string, len(collections))
	for i, c := range collections {
		channels[i] = r.channel(c)
	}
	ps := r.client.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so errors surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &redisSub{ps: ps}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Next(ctx context.Context) (Change, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return Change{}, ErrClosed
		}
		return Change{}, err
	}
	return decode([]byte(msg.Payload))
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}
