package models

import (
	"fmt"
	"strings"
)

// PeripheralKind 外设类型（每种类型对应一个解码器和一组 GATT 标识）
type PeripheralKind int

const (
	// KindAcoustic 声级计（dB-A）
	KindAcoustic PeripheralKind = iota
	// KindOccupancy 人数检测节点
	KindOccupancy
)

// AllKinds 按固定顺序列出所有外设类型
var AllKinds = []PeripheralKind{KindAcoustic, KindOccupancy}

func (k PeripheralKind) String() string {
	switch k {
	case KindAcoustic:
		return "acoustic"
	case KindOccupancy:
		return "occupancy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid 判断是否为已知类型
func (k PeripheralKind) Valid() bool {
	return k == KindAcoustic || k == KindOccupancy
}

// ParseKind 从字符串解析外设类型
func ParseKind(s string) (PeripheralKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acoustic", "spl":
		return KindAcoustic, nil
	case "occupancy", "vision":
		return KindOccupancy, nil
	default:
		return 0, fmt.Errorf("unknown peripheral kind: %q", s)
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (k PeripheralKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown peripheral kind: %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (k *PeripheralKind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DeviceIdentity 外设身份（来自配置，不可变）
type DeviceIdentity struct {
	Kind             PeripheralKind `yaml:"kind" json:"kind"`
	AdvertisedName   string         `yaml:"name" json:"name"`
	ServiceID        string         `yaml:"service_uuid" json:"service_uuid"`
	CharacteristicID string         `yaml:"characteristic_uuid" json:"characteristic_uuid"`
}
