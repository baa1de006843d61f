package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（由 common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTPublisher 读数发布到 <prefix>/<kind>/data，连接状态发布到 <prefix>/<kind>/status（retained）
type MQTTPublisher struct {
	client Publisher
	prefix string
	qos    byte
	queue  *readingQueue
	logger *zap.Logger
}

// NewMQTTPublisher 创建 MQTT 发布器
func NewMQTTPublisher(client Publisher, prefix string, qos byte, logger *zap.Logger) *MQTTPublisher {
	p := &MQTTPublisher{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: logger,
	}
	p.queue = newReadingQueue("mqtt", p.publishReading, logger)
	return p
}

// Start 启动发布 worker
func (p *MQTTPublisher) Start(ctx context.Context) {
	p.queue.start(ctx)
	p.logger.Info("MQTT publisher started", zap.String("prefix", p.prefix))
}

// Stop 停止发布 worker
func (p *MQTTPublisher) Stop() {
	p.queue.stop()
}

func (p *MQTTPublisher) OnReading(r models.Reading) {
	p.queue.enqueue(r)
}

func (p *MQTTPublisher) OnLog(models.LogEvent) {}

// DataTopic 读数主题
func (p *MQTTPublisher) DataTopic(kind models.PeripheralKind) string {
	return fmt.Sprintf("%s/%s/data", p.prefix, kind)
}

// StatusTopic 连接状态主题
func (p *MQTTPublisher) StatusTopic(kind models.PeripheralKind) string {
	return fmt.Sprintf("%s/%s/status", p.prefix, kind)
}

// PublishStatus 发布每个外设的连接状态；返回第一个错误
func (p *MQTTPublisher) PublishStatus(snapshots []models.SessionSnapshot) error {
	var firstErr error
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		if err := p.client.Publish(p.StatusTopic(snap.Kind), p.qos, true, payload); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to publish status for %s: %w", snap.Kind, err)
		}
	}
	return firstErr
}

func (p *MQTTPublisher) publishReading(_ context.Context, r models.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	return p.client.Publish(p.DataTopic(r.Kind), p.qos, false, payload)
}
