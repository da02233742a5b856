package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ptmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewJobLocker builds the scheduler lock from config. Without a redis
// address the locker is nil and callers fall back to unguarded execution,
// which is fine for single-replica deployments.
func NewJobLocker(cfg config.Config, log *zap.Logger) *Locker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Named("ratelimit").Info("no redis configured, scheduler lock disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return NewLocker(client)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewJobLocker),
)
