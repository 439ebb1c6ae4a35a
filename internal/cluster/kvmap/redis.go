package kvmap

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisBackend stores each scope as a Redis hash keyed by the map key,
// with the version packed alongside the value so a single HGET returns
// both (spec §4.7). setIfVersion is a Lua script so the compare-and-set
// is atomic server-side.
type RedisBackend struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisBackend { return &RedisBackend{client: client} }

func hashKey(scope string) string { return "engine:map:" + scope }

func encodeCell(value string, version int64) string {
	return strconv.FormatInt(version, 10) + "\x1f" + value
}

func decodeCell(raw string) (value string, version int64) {
	parts := strings.SplitN(raw, "\x1f", 2)
	if len(parts) != 2 {
		return raw, 0
	}
	v, _ := strconv.ParseInt(parts[0], 10, 64)
	return parts[1], v
}

func (b *RedisBackend) Get(ctx context.Context, scope, key string) (string, int64, bool, error) {
	raw, err := b.client.HGet(ctx, hashKey(scope), key).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	value, version := decodeCell(raw)
	return value, version, true, nil
}

func (b *RedisBackend) GetAll(ctx context.Context, scope string) (map[string]string, error) {
	all, err := b.client.HGetAll(ctx, hashKey(scope)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(all))
	for k, raw := range all {
		value, _ := decodeCell(raw)
		out[k] = value
	}
	return out, nil
}

func (b *RedisBackend) Set(ctx context.Context, scope, key, value string) error {
	script := redis.NewScript(`
		local raw = redis.call('HGET', KEYS[1], ARGV[1])
		local version = 0
		if raw then
			local sep = string.find(raw, "\31")
			version = tonumber(string.sub(raw, 1, sep-1)) + 1
		end
		redis.call('HSET', KEYS[1], ARGV[1], version .. "\31" .. ARGV[2])
		return version
	`)
	_, err := script.Run(ctx, b.client, []string{hashKey(scope)}, key, value).Result()
	return err
}

func (b *RedisBackend) SetIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error) {
	script := redis.NewScript(`
		local raw = redis.call('HGET', KEYS[1], ARGV[1])
		local expected = tonumber(ARGV[3])
		if raw == false then
			if expected ~= -1 then
				return 0
			end
			redis.call('HSET', KEYS[1], ARGV[1], "0\31" .. ARGV[2])
			return 1
		end
		local sep = string.find(raw, "\31")
		local version = tonumber(string.sub(raw, 1, sep-1))
		if version ~= expected then
			return 0
		end
		redis.call('HSET', KEYS[1], ARGV[1], (version+1) .. "\31" .. ARGV[2])
		return 1
	`)
	res, err := script.Run(ctx, b.client, []string{hashKey(scope)}, key, value, expectedVersion).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (b *RedisBackend) Delete(ctx context.Context, scope, key string) error {
	return b.client.HDel(ctx, hashKey(scope), key).Err()
}

var _ Backend = (*RedisBackend)(nil)
