package consumer

import (
	"context"
	"fmt"

	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

// ReadingStore 读数持久化接口（由 repository.ReadingRepository 实现）
type ReadingStore interface {
	Insert(ctx context.Context, reading models.Reading) (int64, error)
}

// Recorder 把每条读数持久化到数据库
type Recorder struct {
	store  ReadingStore
	queue  *readingQueue
	logger *zap.Logger
}

// NewRecorder 创建读数记录器
func NewRecorder(store ReadingStore, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
	}
	r.queue = newReadingQueue("postgres", r.record, logger)
	return r
}

// Start 启动写入 worker
func (r *Recorder) Start(ctx context.Context) {
	r.queue.start(ctx)
	r.logger.Info("Reading recorder started")
}

// Stop 停止写入 worker
func (r *Recorder) Stop() {
	r.queue.stop()
}

func (r *Recorder) OnReading(reading models.Reading) {
	r.queue.enqueue(reading)
}

func (r *Recorder) OnLog(models.LogEvent) {}

func (r *Recorder) record(ctx context.Context, reading models.Reading) error {
	id, err := r.store.Insert(ctx, reading)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}
	r.logger.Debug("Reading recorded",
		zap.Int64("id", id),
		zap.String("device", reading.Device),
	)
	return nil
}
