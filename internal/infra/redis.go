package infra

import (
	"context"
	"fmt"
	"time"

	"jobflow/internal/config"
	"jobflow/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var globalRedis redis.UniversalClient

// InitRedis 按配置模式建立 Redis 连接并探活。客户端在分析缓存、
// 令牌黑名单与事件回放间共享；探活失败时连接关闭并返回错误，
// 调用方可降级运行。
func InitRedis(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "standalone"
	}

	rdb, err := buildRedisClient(mode, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis 连接探活失败: %w", err)
	}

	logger.Info("Redis 连接就绪",
		zap.String("mode", mode),
		zap.Int("pool_size", cfg.PoolSize),
	)

	globalRedis = rdb
	return rdb, nil
}

// buildRedisClient 按模式构建客户端：standalone、sentinel、cluster
func buildRedisClient(mode string, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	switch mode {
	case "standalone":
		return redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
		}), nil

	case "sentinel":
		if cfg.MasterName == "" || len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("sentinel 模式缺少 master_name 或 sentinel_addrs 配置")
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
			PoolSize:         cfg.PoolSize,
			MinIdleConns:     cfg.MinIdleConns,
		}), nil

	case "cluster":
		if len(cfg.ClusterAddrs) == 0 {
			return nil, fmt.Errorf("cluster 模式缺少 cluster_addrs 配置")
		}
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
		}), nil

	default:
		return nil, fmt.Errorf("不支持的 Redis 模式: %s", mode)
	}
}

// CloseRedis 关闭全局 Redis 连接，未初始化时为空操作
func CloseRedis() error {
	if globalRedis == nil {
		return nil
	}
	err := globalRedis.Close()
	globalRedis = nil
	return err
}
