package models

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Reading 解码后的传感器读数
// Acoustic 使用 Level，Occupancy 使用 Count
type Reading struct {
	Kind      PeripheralKind `json:"kind"`
	Device    string         `json:"device"`
	Level     float32        `json:"level"`
	Count     uint8          `json:"count"`
	DecodedAt time.Time      `json:"decoded_at"`
}

// Value 以 float64 返回读数值
func (r Reading) Value() float64 {
	if r.Kind == KindOccupancy {
		return float64(r.Count)
	}
	return float64(r.Level)
}

// LogEvent 面向消费者的可读日志行
type LogEvent struct {
	Time    time.Time     `json:"time"`
	Level   zapcore.Level `json:"level"`
	Device  string        `json:"device,omitempty"`
	Message string        `json:"message"`
}

// SessionSnapshot 单个外设的连接状态快照
type SessionSnapshot struct {
	Kind       PeripheralKind `json:"kind"`
	Device     string         `json:"device"`
	Address    string         `json:"address,omitempty"`
	Connected  bool           `json:"connected"`
	LastDataAt time.Time      `json:"last_data_at"`
	Latest     *Reading       `json:"latest,omitempty"`
}
