package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChangeChannel is the pub/sub channel used when none is configured.
const DefaultChangeChannel = "authflow:changes"

// RedisStore keeps client state in Redis and announces every mutation on a
// pub/sub channel so other processes sharing the keys can react.
type RedisStore struct {
	redis   redis.UniversalClient
	channel string
}

// NewRedisStore creates a [RedisStore]. An empty channel selects
// [DefaultChangeChannel].
func NewRedisStore(client redis.UniversalClient, channel string) *RedisStore {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	return &RedisStore{
		redis:   client,
		channel: channel,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.redis.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.publish(ctx, Change{Key: key})
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, key := range keys {
		s.publish(ctx, Change{Key: key, Deleted: true})
	}
	return nil
}

// Watch subscribes to the change channel. The subscription is confirmed
// before Watch returns, so no change published afterwards is missed.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	sub := s.redis.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(chan Change, watchBuffer)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				default:
				}
			}
		}
	}()

	return out, nil
}

// Change notifications are advisory; a failed publish never fails the write.
func (s *RedisStore) publish(ctx context.Context, c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = s.redis.Publish(ctx, s.channel, payload).Err()
}
