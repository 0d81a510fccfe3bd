package firstseen

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisFirstSeenScript performs the write-once compare-and-set atomically.
// KEYS[1] = record key
// ARGV[1] = candidate t0, formatted with full float64 precision
// ARGV[2] = epsilon
// Returns {ok, stored}.
var redisFirstSeenScript = redis.NewScript(`
local key = KEYS[1]
local ts = tonumber(ARGV[1])
local eps = tonumber(ARGV[2])

local existing = redis.call("GET", key)
if not existing then
    redis.call("SET", key, ARGV[1])
    return {1, ARGV[1]}
end

local stored = tonumber(existing)
if math.abs(stored - ts) <= eps then
    return {1, existing}
end
return {0, existing}
`)

// RedisStore implements Store using Redis. Records never expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store backed by a client for addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "x108:first_seen:"}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) SetFirstSeen(ctx context.Context, id string, ts float64) (bool, error) {
	if err := validate(id, ts); err != nil {
		return false, err
	}
	res, err := redisFirstSeenScript.Run(ctx, s.client, []string{s.key(id)},
		strconv.FormatFloat(ts, 'g', -1, 64), strconv.FormatFloat(Epsilon, 'g', -1, 64)).Result()
	if err != nil {
		return false, fmt.Errorf("redis first-seen error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	okVal, _ := results[0].(int64)
	return okVal == 1, nil
}

func (s *RedisStore) GetFirstSeen(ctx context.Context, id string) (float64, bool, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis first-seen error: %w", err)
	}
	ts, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt first-seen record %q: %w", id, err)
	}
	return ts, true, nil
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }
