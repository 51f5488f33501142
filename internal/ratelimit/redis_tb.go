package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucketLimiter 基于 Redis 的令牌桶，限制手动标记请求（HTTP /read、ws mark）的频率。
// 每个维度两个键：<key>:t 为剩余令牌，<key>:ts 为上次补充时间（毫秒）。
type TokenBucketLimiter struct {
	client *redis.Client
	rate   int
	burst  int
}

// NewTokenBucketLimiter 创建限流器；rate 为每秒补充令牌数，burst 为桶容量。
func NewTokenBucketLimiter(c *redis.Client, rate, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 20
	}
	if burst < rate {
		burst = rate
	}
	return &TokenBucketLimiter{client: c, rate: rate, burst: burst}
}

var bucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

local elapsed = math.max(0, now_ms - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

local ttl = math.ceil(burst / rate * 1000) + 1000
redis.call('SET', tokens_key, tokens, 'PX', ttl)
redis.call('SET', ts_key, now_ms, 'PX', ttl)
return {allowed, math.floor(tokens)}
`)

// Allow 尝试为 key 消耗一个令牌，返回是否放行与剩余令牌数。
// Redis 不可用时放行并返回错误，由调用方决定是否记录。
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, int64, error) {
	if l == nil || l.client == nil {
		return true, 0, nil
	}
	keys := []string{"im:markers:rl:" + key + ":t", "im:markers:rl:" + key + ":ts"}
	vals, err := bucketScript.Run(ctx, l.client, keys, l.rate, l.burst, time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return true, 0, err
	}
	if len(vals) != 2 {
		return true, 0, nil
	}
	return vals[0] == 1, vals[1], nil
}
