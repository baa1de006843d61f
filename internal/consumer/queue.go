package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultQueueSize   = 256
	defaultCallTimeout = 3 * time.Second
	dropWarnInterval   = 5 * time.Second
)

// readingQueue 有界读数队列，由单个 worker 顺序写入后端；队列满时丢弃
type readingQueue struct {
	name    string
	items   chan models.Reading
	handle  func(ctx context.Context, r models.Reading) error
	timeout time.Duration
	logger  *zap.Logger

	// 队列满时的告警限流，两次告警之间的丢弃只计数
	dropWarn *rate.Limiter
	dropped  atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func newReadingQueue(name string, handle func(ctx context.Context, r models.Reading) error, logger *zap.Logger) *readingQueue {
	return &readingQueue{
		name:    name,
		items:   make(chan models.Reading, defaultQueueSize),
		handle:  handle,
		timeout: defaultCallTimeout,
		logger:  logger,

		dropWarn: rate.NewLimiter(rate.Every(dropWarnInterval), 1),
	}
}

func (q *readingQueue) start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.run(ctx)
}

func (q *readingQueue) stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

func (q *readingQueue) enqueue(r models.Reading) {
	select {
	case q.items <- r:
	default:
		dropped := q.dropped.Add(1)
		if q.dropWarn.Allow() {
			q.dropped.Add(-dropped)
			q.logger.Warn("Reading queue full, dropping readings",
				zap.String("sink", q.name),
				zap.String("device", r.Device),
				zap.Int64("dropped", dropped),
			)
		}
	}
}

func (q *readingQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.items:
			q.process(ctx, r)
		}
	}
}

func (q *readingQueue) process(ctx context.Context, r models.Reading) {
	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := q.handle(callCtx, r); err != nil {
		q.logger.Warn("Failed to deliver reading",
			zap.String("sink", q.name),
			zap.String("device", r.Device),
			zap.Error(err),
		)
	}
}
