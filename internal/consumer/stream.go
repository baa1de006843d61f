package consumer

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	rediscommon "github.com/veluv01/AcoustiVision/internal/common/redis"
	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

// StreamPublisher 把读数写入 Redis Stream
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	queue  *readingQueue
	logger *zap.Logger
}

// NewStreamPublisher 创建 Redis Stream 发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	p := &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
	p.queue = newReadingQueue("redis-stream", p.publish, logger)
	return p
}

// Start 启动发布 worker
func (p *StreamPublisher) Start(ctx context.Context) {
	p.queue.start(ctx)
	p.logger.Info("Redis stream publisher started", zap.String("stream", p.stream))
}

// Stop 停止发布 worker
func (p *StreamPublisher) Stop() {
	p.queue.stop()
}

func (p *StreamPublisher) OnReading(r models.Reading) {
	p.queue.enqueue(r)
}

func (p *StreamPublisher) OnLog(models.LogEvent) {}

func (p *StreamPublisher) publish(ctx context.Context, r models.Reading) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, r); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return nil
}
