package service

import (
	"context"
	"fmt"
	"time"

	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

// linkState retained 状态主题关心的字段
type linkState struct {
	Connected bool
	Address   string
}

// statusLoop 周期性发布连接状态
func (s *BLEService) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.BLE.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStatus(ctx, s.supervisor.Snapshots())
		}
	}
}

// publishStatus 推送状态到 Hub 和 Redis 缓存
// 连接数变化时记录日志；某个外设的连接状态或地址变化时重新发布它的 MQTT 状态
func (s *BLEService) publishStatus(ctx context.Context, snaps []models.SessionSnapshot) {
	var changed []models.SessionSnapshot
	next := make(map[models.PeripheralKind]linkState, len(snaps))
	for _, snap := range snaps {
		st := linkState{Connected: snap.Connected, Address: snap.Address}
		next[snap.Kind] = st
		if prev, ok := s.lastStatus[snap.Kind]; !ok || prev != st {
			changed = append(changed, snap)
		}
	}
	s.lastStatus = next

	if connected := countConnected(snaps); connected != s.lastConnected {
		s.lastConnected = connected
		s.logger.Info(fmt.Sprintf("%d/%d devices connected", connected, len(snaps)),
			zap.Int("connected", connected),
			zap.Int("total", len(snaps)),
		)
	}

	s.hub.BroadcastStatus(snaps)

	if s.statusCache != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.config.BLE.StatusInterval)
		if err := s.statusCache.Update(callCtx, snaps); err != nil {
			s.logger.Warn("Failed to update status cache", zap.Error(err))
		}
		cancel()
	}

	if len(changed) > 0 && s.mqttPub != nil {
		if err := s.mqttPub.PublishStatus(changed); err != nil {
			s.logger.Warn("Failed to publish status", zap.Error(err))
			// 下一轮重试失败的发布
			for _, snap := range changed {
				delete(s.lastStatus, snap.Kind)
			}
		}
	}
}
