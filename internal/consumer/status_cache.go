package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

// StatusCache 把每种外设的连接快照缓存到 Redis（key: <prefix><kind>）
type StatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusCache 创建状态缓存
func NewStatusCache(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *StatusCache {
	return &StatusCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Key 某外设类型的缓存 key
func (c *StatusCache) Key(kind models.PeripheralKind) string {
	return c.prefix + kind.String()
}

// Update 写入所有快照
func (c *StatusCache) Update(ctx context.Context, snapshots []models.SessionSnapshot) error {
	pipe := c.client.Pipeline()
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		pipe.Set(ctx, c.Key(snap.Kind), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update status cache: %w", err)
	}
	return nil
}
