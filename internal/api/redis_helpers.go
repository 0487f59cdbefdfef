package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const batchRateWindow = time.Minute

type redisRateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

func incrWithTTL(ctx context.Context, client redisRateCounter, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		_ = client.Expire(ctx, key, ttl).Err()
	}
	return count, nil
}

// batchRateKey 按客户端 IP 与时间窗口分桶。
func batchRateKey(clientIP string, now time.Time) string {
	return fmt.Sprintf("ratelimit:card-batch:%s:%d", clientIP, now.Unix()/int64(batchRateWindow/time.Second))
}
