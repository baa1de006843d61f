package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StubHandle 内存桩适配器的连接句柄
type StubHandle struct {
	address string

	mu          sync.Mutex
	open        bool
	onData      func([]byte)
	disconnects int
}

func (h *StubHandle) Address() string { return h.address }

// Open 链路是否仍打开
func (h *StubHandle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// Disconnects Disconnect 被调用的次数
func (h *StubHandle) Disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}

// StubAdapter 可编排的内存传输适配器，用于测试和离线运行
type StubAdapter struct {
	mu            sync.Mutex
	adverts       []Advertisement
	scanErr       error
	scanHook      func()
	connectErr    map[string]error
	subscribeErr  map[string]error
	disconnectErr error
	handles       []*StubHandle
	scans         int
	connects      map[string]int
}

// NewStubAdapter 创建内存桩适配器
func NewStubAdapter() *StubAdapter {
	return &StubAdapter{
		connectErr:   make(map[string]error),
		subscribeErr: make(map[string]error),
		connects:     make(map[string]int),
	}
}

// SetAdvertisements 设置下一次扫描返回的广播
func (s *StubAdapter) SetAdvertisements(adverts ...Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adverts = append([]Advertisement(nil), adverts...)
}

// FailScan 设置扫描错误（nil 清除）
func (s *StubAdapter) FailScan(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanErr = err
}

// OnScan 设置扫描时调用的钩子（可用于注入 panic）
func (s *StubAdapter) OnScan(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanHook = hook
}

// FailConnect 设置某地址的连接错误（nil 清除）
func (s *StubAdapter) FailConnect(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr[address] = err
}

// FailSubscribe 设置某地址的订阅错误（nil 清除）
func (s *StubAdapter) FailSubscribe(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr[address] = err
}

// FailDisconnect 让所有 Disconnect 调用返回 err（链路仍会关闭）
func (s *StubAdapter) FailDisconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectErr = err
}

// Scans 扫描次数
func (s *StubAdapter) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// Connects 某地址的连接尝试次数
func (s *StubAdapter) Connects(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects[address]
}

// Handles 某地址创建过的所有句柄
func (s *StubAdapter) Handles(address string) []*StubHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StubHandle
	for _, h := range s.handles {
		if h.address == address {
			out = append(out, h)
		}
	}
	return out
}

// OpenHandles 某地址当前打开的句柄数
func (s *StubAdapter) OpenHandles(address string) int {
	n := 0
	for _, h := range s.Handles(address) {
		if h.Open() {
			n++
		}
	}
	return n
}

// Notify 向该地址所有已订阅且打开的句柄投递通知
func (s *StubAdapter) Notify(address string, data []byte) int {
	delivered := 0
	for _, h := range s.Handles(address) {
		h.mu.Lock()
		cb := h.onData
		open := h.open
		h.mu.Unlock()
		if open && cb != nil {
			cb(data)
			delivered++
		}
	}
	return delivered
}

// DropLink 静默断开该地址的所有链路（不回调）
func (s *StubAdapter) DropLink(address string) {
	for _, h := range s.Handles(address) {
		h.mu.Lock()
		h.open = false
		h.mu.Unlock()
	}
}

// Scan 实现 Adapter
func (s *StubAdapter) Scan(ctx context.Context, timeout time.Duration) ([]Advertisement, error) {
	s.mu.Lock()
	s.scans++
	hook := s.scanHook
	err := s.scanErr
	adverts := append([]Advertisement(nil), s.adverts...)
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return adverts, nil
}

// Connect 实现 Adapter
func (s *StubAdapter) Connect(ctx context.Context, address string, timeout time.Duration) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects[address]++
	if err := s.connectErr[address]; err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	h := &StubHandle{address: address, open: true}
	s.handles = append(s.handles, h)
	return h, nil
}

// Subscribe 实现 Adapter
func (s *StubAdapter) Subscribe(ctx context.Context, h Handle, serviceID, characteristicID string, onData func([]byte)) error {
	sh, ok := h.(*StubHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	s.mu.Lock()
	err := s.subscribeErr[sh.address]
	s.mu.Unlock()
	if err != nil {
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !sh.open {
		return ErrLinkClosed
	}
	sh.onData = onData
	return nil
}

// IsConnected 实现 Adapter
func (s *StubAdapter) IsConnected(h Handle) bool {
	sh, ok := h.(*StubHandle)
	if !ok {
		return false
	}
	return sh.Open()
}

// Disconnect 实现 Adapter；已断开的句柄返回 ErrLinkClosed
func (s *StubAdapter) Disconnect(ctx context.Context, h Handle) error {
	sh, ok := h.(*StubHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	s.mu.Lock()
	disconnectErr := s.disconnectErr
	s.mu.Unlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.disconnects++
	wasOpen := sh.open
	sh.open = false
	sh.onData = nil

	if disconnectErr != nil {
		return disconnectErr
	}
	if !wasOpen {
		return ErrLinkClosed
	}
	return nil
}
