// Package redisclient builds the pooled go-redis client the Redis-backed
// queue broker and any other Redis-backed collaborator connects with.
package redisclient

import (
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/benediktbwimmer/apphub-controlplane/internal/config"
)

// New returns a configured go-redis client with a pool of ten connections
// per available CPU.
func New(cfg *config.Config) *redis.Client {
	poolSize := 10 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Username:        cfg.Redis.Username,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        poolSize,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}
