package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLinkClosed 链路已断开（对已断开的句柄执行操作）
	ErrLinkClosed = errors.New("link closed")
	// ErrNotFound 设备、服务或特征不存在
	ErrNotFound = errors.New("not found")
)

// Advertisement 扫描到的广播
type Advertisement struct {
	Name    string
	Address string
}

// Handle 单个外设连接的不透明句柄
type Handle interface {
	Address() string
}

// Adapter 无线传输栈的窄接口
// Scan 未发现任何设备时返回空列表而不是错误；Disconnect 对已断开的句柄必须安全
type Adapter interface {
	Scan(ctx context.Context, timeout time.Duration) ([]Advertisement, error)
	Connect(ctx context.Context, address string, timeout time.Duration) (Handle, error)
	Subscribe(ctx context.Context, h Handle, serviceID, characteristicID string, onData func([]byte)) error
	IsConnected(h Handle) bool
	Disconnect(ctx context.Context, h Handle) error
}
