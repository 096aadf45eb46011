package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisQuotaPrefix  = "deployments:ratelimit:"
	redisQuotaTimeout = 250 * time.Millisecond
)

// redisWindowCounter shares fixed-window quotas between API replicas.
type redisWindowCounter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter connects to Redis and returns a RateLimiter whose
// counters every API replica sees.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisWindowCounter{client: client, logger: logger}, nil
}

// Allow counts the request in one MULTI/EXEC round trip. The window key is
// created with its expiry before it is incremented, so a counter never
// outlives its window. Requests are admitted when Redis cannot answer.
func (c *redisWindowCounter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisQuotaTimeout)
	defer cancel()

	redisKey := redisQuotaPrefix + key
	var (
		hits *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, redisKey, 0, window)
		hits = pipe.Incr(ctx, redisKey)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		c.logger.Error("deployment api quota check failed, admitting request", "caller", callerKind(key), "error", err)
		return Decision{Allowed: true}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(hits.Val())
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		WindowEnd: time.Now().Add(remaining),
	}
}

func (c *redisWindowCounter) Close() {
	_ = c.client.Close()
}
