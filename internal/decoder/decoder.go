package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/veluv01/AcoustiVision/internal/models"
)

var (
	// ErrMalformedPayload 通知负载无法解释为对应通道的记录
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownKind 没有对应解码器的外设类型
	ErrUnknownKind = errors.New("unknown peripheral kind")
)

// acousticPayloadSize 声级负载：小端 IEEE-754 float32
const acousticPayloadSize = 4

// Decode 将原始通知负载解码为读数，at 为解码时间
func Decode(kind models.PeripheralKind, payload []byte, at time.Time) (models.Reading, error) {
	switch kind {
	case models.KindAcoustic:
		if len(payload) != acousticPayloadSize {
			return models.Reading{}, fmt.Errorf("%w: acoustic payload is %d bytes, want %d", ErrMalformedPayload, len(payload), acousticPayloadSize)
		}
		return models.Reading{
			Kind:      kind,
			Level:     math.Float32frombits(binary.LittleEndian.Uint32(payload)),
			DecodedAt: at,
		}, nil

	case models.KindOccupancy:
		if len(payload) == 0 {
			return models.Reading{}, fmt.Errorf("%w: empty occupancy payload", ErrMalformedPayload)
		}
		return models.Reading{
			Kind:      kind,
			Count:     payload[0],
			DecodedAt: at,
		}, nil

	default:
		return models.Reading{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
