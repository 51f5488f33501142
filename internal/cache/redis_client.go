package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// 本包封装进程级 Redis 客户端：
// - markerDB=redis 时作为标记存储后端（每个会话一个 hash：im:markers:<convId>）
// - /healthz 通过 Ping 报告 Redis 可用性
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

// Ping 检查 Redis 连通性；未初始化时视为可用（未启用 Redis）。
func Ping(ctx context.Context) error {
	if redisClient == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return redisClient.Ping(ctx).Err()
}

func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
