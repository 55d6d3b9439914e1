package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultPresenceKey = "classchat:presence:online"

// decrOrDelete decrements a user's connection count and removes the field at
// zero, in one round trip.
var decrOrDelete = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
  return 0
end
return n
`)

// RedisPresenceMirror publishes per-user connection counts to a Redis hash so
// other processes can answer "is this user online".
//
// The in-process Registry stays authoritative for fanout.
type RedisPresenceMirror struct {
	client *redis.Client
	key    string
}

// NewRedisPresenceMirror parses rawURL (redis://...) and returns a mirror.
func NewRedisPresenceMirror(rawURL, key string) (*RedisPresenceMirror, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("realtime: parse redis url: %w", err)
	}
	return NewRedisPresenceMirrorFromClient(redis.NewClient(opts), key), nil
}

// NewRedisPresenceMirrorFromClient wraps an existing client.
func NewRedisPresenceMirrorFromClient(client *redis.Client, key string) *RedisPresenceMirror {
	if strings.TrimSpace(key) == "" {
		key = defaultPresenceKey
	}
	return &RedisPresenceMirror{client: client, key: key}
}

// Ping checks connectivity.
func (m *RedisPresenceMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Online increments userID's connection count.
func (m *RedisPresenceMirror) Online(ctx context.Context, userID string) error {
	return m.client.HIncrBy(ctx, m.key, userID, 1).Err()
}

// Offline decrements userID's connection count.
func (m *RedisPresenceMirror) Offline(ctx context.Context, userID string) error {
	return decrOrDelete.Run(ctx, m.client, []string{m.key}, userID).Err()
}

// IsOnline reports whether any process holds a connection for userID.
func (m *RedisPresenceMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.client.HGet(ctx, m.key, userID).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Reset clears the hash. Use on a single-process deployment at startup to
// drop counts left by a crashed process.
func (m *RedisPresenceMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}

// Close releases the client.
func (m *RedisPresenceMirror) Close() error {
	return m.client.Close()
}
