package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTimeout bounds every Redis operation so a slow or partitioned
// server cannot stall the caller; the store falls through to the next
// backend on timeout.
const DefaultRedisTimeout = 2 * time.Second

// defaultNotifyChannel is the pub/sub channel write notifications are
// published on.
const defaultNotifyChannel = "beacon:kv:changes"

// RedisBackend is the most durable backend in the chain. Cross-process
// change notification rides on Redis pub/sub: every write publishes a
// payload tagged with the writer's origin ID, and subscribers skip their
// own messages to mimic one-way storage-change semantics.
type RedisBackend struct {
	client  redis.UniversalClient
	channel string
	origin  string
	timeout time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisTimeout sets the per-operation timeout. Default is
// DefaultRedisTimeout.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *RedisBackend) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithNotifyChannel sets the pub/sub channel used for write notifications.
func WithNotifyChannel(channel string) RedisOption {
	return func(r *RedisBackend) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// NewRedisBackend wraps an existing Redis client. The client is owned by
// the caller and is not closed by Close.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{
		client:  client,
		channel: defaultNotifyChannel,
		origin:  uuid.NewString(),
		timeout: DefaultRedisTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type redisNotification struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// Load implements Backend.
func (r *RedisBackend) Load(key string) (string, bool, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Store implements Backend and publishes a change notification.
func (r *RedisBackend) Store(key, value string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return err
	}
	r.publish(ctx, key, value)
	return nil
}

// Delete implements Backend and publishes a change notification with an
// empty value.
func (r *RedisBackend) Delete(key string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	r.publish(ctx, key, "")
	return nil
}

// Keys implements Backend.
func (r *RedisBackend) Keys(prefix string) ([]string, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	return r.client.Keys(ctx, prefix+"*").Result()
}

// Close implements Backend. The underlying client stays open because it is
// caller-owned and typically shared with the rest of the application.
func (r *RedisBackend) Close() error {
	return nil
}

// Notify implements Notifier via a pub/sub subscription. Messages published
// by this backend instance are filtered out.
func (r *RedisBackend) Notify(fn func(key, value string)) (func(), error) {
	sub := r.client.Subscribe(context.Background(), r.channel)
	if _, err := sub.Receive(context.Background()); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			var n redisNotification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			if n.Origin == r.origin {
				continue
			}
			fn(n.Key, n.Value)
		}
	}()

	return func() { _ = sub.Close() }, nil
}

// publish is best-effort; a dropped notification is repaired by the
// session layer's periodic reconciliation.
func (r *RedisBackend) publish(ctx context.Context, key, value string) {
	payload, err := json.Marshal(redisNotification{Origin: r.origin, Key: key, Value: value})
	if err != nil {
		return
	}
	_ = r.client.Publish(ctx, r.channel, string(payload)).Err()
}

func (r *RedisBackend) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}
