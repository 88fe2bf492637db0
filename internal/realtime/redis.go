package realtime

import (
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
)

// NewRedis creates the Redis client shared by the event publisher and the
// payout rate limiter.
func NewRedis() *redis.Client {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	slog.Info("redis client created", "addr", redisAddr)
	return rdb
}
