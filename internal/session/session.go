package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/veluv01/AcoustiVision/internal/decoder"
	"github.com/veluv01/AcoustiVision/internal/models"
	"github.com/veluv01/AcoustiVision/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// ErrNoAddress 尚未发现外设地址
	ErrNoAddress = errors.New("no address")
	// ErrConnectFailed 传输层连接失败或超时
	ErrConnectFailed = errors.New("connect failed")
	// ErrSubscribeFailed 连接成功但订阅通知失败
	ErrSubscribeFailed = errors.New("subscribe failed")
)

// Cause 存活检查失败原因
type Cause int

const (
	CauseNone Cause = iota
	CauseLinkClosed
	CauseNoData
)

func (c Cause) String() string {
	switch c {
	case CauseLinkClosed:
		return "link closed"
	case CauseNoData:
		return "no data"
	default:
		return "none"
	}
}

// Emitter 会话向上游（Supervisor）报告读数和日志
type Emitter interface {
	EmitReading(r models.Reading)
	EmitLog(level zapcore.Level, device string, message string)
}

// Config 会话参数
type Config struct {
	ConnectTimeout time.Duration
	StaleAfter     time.Duration
	SettleDelay    time.Duration
	// InvalidateAfter 连续失败多少次后认为缓存地址失效，0 表示永不失效
	InvalidateAfter uint32
}

// Option 会话可选项
type Option func(*Session)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session 管理单个外设的连接、订阅、存活与拆除
type Session struct {
	identity models.DeviceIdentity
	adapter  transport.Adapter
	emitter  Emitter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	address    string
	handle     transport.Handle
	connected  bool
	lastDataAt time.Time
	latest     *models.Reading
	breaker    *gobreaker.CircuitBreaker[transport.Handle]
}

// New 创建会话
func New(identity models.DeviceIdentity, adapter transport.Adapter, emitter Emitter, cfg Config, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		identity: identity,
		adapter:  adapter,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger.With(zap.String("device", identity.AdvertisedName)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = s.newBreaker()
	return s
}

func (s *Session) newBreaker() *gobreaker.CircuitBreaker[transport.Handle] {
	threshold := s.cfg.InvalidateAfter
	return gobreaker.NewCircuitBreaker[transport.Handle](gobreaker.Settings{
		Name:        "ble:" + s.identity.AdvertisedName,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Debug("connect breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Identity 外设身份
func (s *Session) Identity() models.DeviceIdentity {
	return s.identity
}

// Address 已解析的地址（未发现时为空）
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// SetAddress 记录发现到的地址
func (s *Session) SetAddress(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
}

// Connected 是否已连接且订阅成功
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AddressSuspect 连续失败次数已达阈值，缓存地址不再可信
func (s *Session) AddressSuspect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.State() == gobreaker.StateOpen
}

// InvalidateAddress 清除缓存地址并重置失败计数；已连接时不做任何事
func (s *Session) InvalidateAddress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return false
	}
	s.address = ""
	s.breaker = s.newBreaker()
	return true
}

// Connect 建立连接并订阅通知
// 若仍持有旧句柄，先拆除（忽略错误）并等待 SettleDelay 再重连
func (s *Session) Connect(ctx context.Context, address string) error {
	if address == "" {
		return ErrNoAddress
	}
	name := s.identity.AdvertisedName

	s.mu.Lock()
	prev := s.handle
	s.handle = nil
	s.connected = false
	s.address = address
	breaker := s.breaker
	s.mu.Unlock()

	if prev != nil {
		s.release(ctx, prev)
		if err := sleepContext(ctx, s.cfg.SettleDelay); err != nil {
			return err
		}
	}

	s.emitter.EmitLog(zapcore.InfoLevel, name, fmt.Sprintf("Connecting to %s (%s)...", name, address))

	_, err := breaker.Execute(func() (transport.Handle, error) {
		return s.attempt(ctx, address)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if err != nil {
		s.emitter.EmitLog(zapcore.ErrorLevel, name, fmt.Sprintf("%s connection error: %v", name, err))
		return err
	}

	now := s.now()
	s.mu.Lock()
	s.connected = true
	s.lastDataAt = now
	s.mu.Unlock()

	s.emitter.EmitLog(zapcore.InfoLevel, name, fmt.Sprintf("%s connected, notifications started", name))
	return nil
}

func (s *Session) attempt(ctx context.Context, address string) (transport.Handle, error) {
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	h, err := s.adapter.Connect(connectCtx, address, s.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	if err := s.adapter.Subscribe(connectCtx, h, s.identity.ServiceID, s.identity.CharacteristicID, s.onNotification(h)); err != nil {
		s.mu.Lock()
		if s.handle == h {
			s.handle = nil
		}
		s.mu.Unlock()
		s.release(ctx, h)
		return nil, fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return h, nil
}

// onNotification 返回绑定到句柄 h 的通知回调；来自旧句柄的通知被丢弃
func (s *Session) onNotification(h transport.Handle) func([]byte) {
	name := s.identity.AdvertisedName
	return func(payload []byte) {
		now := s.now()

		s.mu.Lock()
		if s.handle != h {
			s.mu.Unlock()
			return
		}
		reading, err := decoder.Decode(s.identity.Kind, payload, now)
		if err == nil {
			reading.Device = name
			s.lastDataAt = now
			s.latest = &reading
		}
		s.mu.Unlock()

		if err != nil {
			s.emitter.EmitLog(zapcore.DebugLevel, name, fmt.Sprintf("Error parsing %s data: %v", name, err))
			return
		}
		s.emitter.EmitReading(reading)
	}
}

// Liveness 链路打开且 lastDataAt 距今小于 StaleAfter 时存活
func (s *Session) Liveness() (bool, Cause) {
	s.mu.Lock()
	h := s.handle
	last := s.lastDataAt
	s.mu.Unlock()

	if h == nil || !s.adapter.IsConnected(h) {
		return false, CauseLinkClosed
	}
	if s.now().Sub(last) >= s.cfg.StaleAfter {
		return false, CauseNoData
	}
	return true, CauseNone
}

// IsAlive 见 Liveness
func (s *Session) IsAlive() bool {
	alive, _ := s.Liveness()
	return alive
}

// MarkDisconnected 标记为未连接但保留句柄，由下一次 Connect 释放
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// Teardown 尽力断开；错误被丢弃
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.connected = false
	s.mu.Unlock()

	if h != nil {
		s.release(ctx, h)
	}
}

// HasHandle 是否持有传输句柄
func (s *Session) HasHandle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Snapshot 当前状态快照
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.SessionSnapshot{
		Kind:       s.identity.Kind,
		Device:     s.identity.AdvertisedName,
		Address:    s.address,
		Connected:  s.connected,
		LastDataAt: s.lastDataAt,
	}
	if s.latest != nil {
		latest := *s.latest
		snap.Latest = &latest
	}
	return snap
}

func (s *Session) release(ctx context.Context, h transport.Handle) {
	s.discardTeardownError(h, s.adapter.Disconnect(ctx, h))
}

// discardTeardownError 断开失败是预期内的噪声（链路往往已死），只记 debug
func (s *Session) discardTeardownError(h transport.Handle, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("teardown error discarded",
		zap.String("address", h.Address()),
		zap.Error(err),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
