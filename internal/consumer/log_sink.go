package consumer

import (
	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

// LogSink 把日志事件写入 zap，读数只在 debug 级别输出
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink 创建日志 Sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OnReading(r models.Reading) {
	s.logger.Debug("Reading received",
		zap.String("kind", r.Kind.String()),
		zap.String("device", r.Device),
		zap.Float64("value", r.Value()),
		zap.Time("decoded_at", r.DecodedAt),
	)
}

func (s *LogSink) OnLog(e models.LogEvent) {
	if ce := s.logger.Check(e.Level, e.Message); ce != nil {
		ce.Write(
			zap.String("device", e.Device),
			zap.Time("event_time", e.Time),
		)
	}
}
