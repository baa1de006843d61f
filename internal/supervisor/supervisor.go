package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veluv01/AcoustiVision/internal/models"
	"github.com/veluv01/AcoustiVision/internal/session"
	"github.com/veluv01/AcoustiVision/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrLoopFault 单次循环内的意外故障（panic 被恢复）
var ErrLoopFault = errors.New("supervisor loop fault")

// Consumer 接收读数和日志事件，实现必须是并发安全的
type Consumer interface {
	OnReading(r models.Reading)
	OnLog(e models.LogEvent)
}

// Config 连接管理参数
type Config struct {
	ScanTimeout     time.Duration
	ConnectTimeout  time.Duration
	StaleAfter      time.Duration
	PacingInterval  time.Duration
	IdleInterval    time.Duration
	FaultBackoff    time.Duration
	SettleDelay     time.Duration
	ShutdownTimeout time.Duration
	InvalidateAfter uint32
	TeardownOnStale bool
}

// DefaultConfig 参考行为的时间参数
func DefaultConfig() Config {
	return Config{
		ScanTimeout:     15 * time.Second,
		ConnectTimeout:  20 * time.Second,
		StaleAfter:      15 * time.Second,
		PacingInterval:  2 * time.Second,
		IdleInterval:    10 * time.Second,
		FaultBackoff:    5 * time.Second,
		SettleDelay:     time.Second,
		ShutdownTimeout: 5 * time.Second,
		InvalidateAfter: 5,
		TeardownOnStale: true,
	}
}

// Option Supervisor 可选项
type Option func(*Supervisor)

// WithClock 注入时钟（测试用），同时传递给所有会话
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// Supervisor 持有所有会话，循环执行 发现 -> 连接 -> 存活检查 -> 等待
type Supervisor struct {
	cfg      Config
	adapter  transport.Adapter
	consumer Consumer
	logger   *zap.Logger
	now      func() time.Time

	// 上一次连接尝试结束的时间（真实时钟），用于连接间隔
	lastAttemptEnd time.Time

	sessions []*session.Session
	byName   map[string]*session.Session

	emitMu sync.Mutex
}

// New 为每个外设身份创建一个会话
func New(cfg Config, identities []models.DeviceIdentity, adapter transport.Adapter, consumer Consumer, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if len(identities) == 0 {
		return nil, errors.New("no devices configured")
	}

	s := &Supervisor{
		cfg:      cfg,
		adapter:  adapter,
		consumer: consumer,
		logger:   logger,
		now:      time.Now,
		byName:   make(map[string]*session.Session, len(identities)),
	}
	for _, opt := range opts {
		opt(s)
	}

	sessionCfg := session.Config{
		ConnectTimeout:  cfg.ConnectTimeout,
		StaleAfter:      cfg.StaleAfter,
		SettleDelay:     cfg.SettleDelay,
		InvalidateAfter: cfg.InvalidateAfter,
	}

	kinds := make(map[models.PeripheralKind]bool, len(identities))
	for _, id := range identities {
		if kinds[id.Kind] {
			return nil, fmt.Errorf("duplicate peripheral kind: %s", id.Kind)
		}
		if _, ok := s.byName[id.AdvertisedName]; ok {
			return nil, fmt.Errorf("duplicate advertised name: %s", id.AdvertisedName)
		}
		kinds[id.Kind] = true

		sess := session.New(id, adapter, emitter{s}, sessionCfg, logger, session.WithClock(s.now))
		s.sessions = append(s.sessions, sess)
		s.byName[id.AdvertisedName] = sess
	}

	return s, nil
}

// Run 持续运行直到 ctx 取消，然后拆除所有会话
func (s *Supervisor) Run(ctx context.Context) error {
	s.emitLog(zapcore.InfoLevel, "", "Connection supervisor started")

	for ctx.Err() == nil {
		delay := s.cfg.IdleInterval
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.emitLog(zapcore.ErrorLevel, "", fmt.Sprintf("Error in connection loop: %v", err))
			delay = s.cfg.FaultBackoff
		}
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
	}

	s.shutdown()
	return nil
}

// RunOnce 执行一次 发现/连接/存活检查；不可与 Run 并发调用
func (s *Supervisor) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLoopFault, r)
		}
	}()

	s.discover(ctx)
	if err := s.connectPending(ctx); err != nil {
		return err
	}
	s.checkLiveness(ctx)
	return nil
}

func (s *Supervisor) discover(ctx context.Context) {
	var missing []*session.Session
	for _, sess := range s.sessions {
		if sess.Address() == "" {
			missing = append(missing, sess)
		}
	}
	if len(missing) == 0 {
		return
	}

	s.emitLog(zapcore.InfoLevel, "", "Starting BLE scan...")

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	adverts, err := s.adapter.Scan(scanCtx, s.cfg.ScanTimeout)
	cancel()
	if err != nil {
		s.emitLog(zapcore.WarnLevel, "", fmt.Sprintf("Scan error: %v", err))
		return
	}

	s.emitLog(zapcore.InfoLevel, "", fmt.Sprintf("Found %d BLE devices", len(adverts)))

	for _, adv := range adverts {
		if adv.Name == "" {
			continue
		}
		sess, ok := s.byName[adv.Name]
		if !ok {
			s.emitLog(zapcore.DebugLevel, "", fmt.Sprintf("  - %s [%s]", adv.Name, adv.Address))
			continue
		}
		if sess.Address() != "" {
			continue
		}
		sess.SetAddress(adv.Address)
		s.emitLog(zapcore.InfoLevel, adv.Name, fmt.Sprintf("Found %s: %s", adv.Name, adv.Address))
	}

	for _, sess := range missing {
		if sess.Address() == "" {
			name := sess.Identity().AdvertisedName
			s.emitLog(zapcore.WarnLevel, name, fmt.Sprintf("%s '%s' not found", sess.Identity().Kind, name))
		}
	}
}

func (s *Supervisor) connectPending(ctx context.Context) error {
	for _, sess := range s.sessions {
		address := sess.Address()
		if address == "" || sess.Connected() {
			continue
		}

		if err := s.pace(ctx); err != nil {
			return err
		}

		err := sess.Connect(ctx, address)
		s.lastAttemptEnd = time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if sess.AddressSuspect() && sess.InvalidateAddress() {
				name := sess.Identity().AdvertisedName
				s.emitLog(zapcore.WarnLevel, name, fmt.Sprintf("%s unreachable at %s after %d attempts, rediscovering", name, address, s.cfg.InvalidateAfter))
			}
		}
	}
	return nil
}

// pace 等到距上一次尝试结束满 PacingInterval
func (s *Supervisor) pace(ctx context.Context) error {
	if s.cfg.PacingInterval <= 0 || s.lastAttemptEnd.IsZero() {
		return nil
	}
	return sleepContext(ctx, s.cfg.PacingInterval-time.Since(s.lastAttemptEnd))
}

func (s *Supervisor) checkLiveness(ctx context.Context) {
	for _, sess := range s.sessions {
		if !sess.Connected() {
			continue
		}
		alive, cause := sess.Liveness()
		if alive {
			continue
		}

		name := sess.Identity().AdvertisedName
		switch cause {
		case session.CauseLinkClosed:
			s.emitLog(zapcore.WarnLevel, name, fmt.Sprintf("%s disconnected", name))
		case session.CauseNoData:
			s.emitLog(zapcore.WarnLevel, name, fmt.Sprintf("%s no data (timeout)", name))
		}

		if s.cfg.TeardownOnStale {
			sess.Teardown(ctx)
		} else {
			sess.MarkDisconnected()
		}
	}
}

func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.emitLog(zapcore.InfoLevel, "", "Disconnecting all devices...")
	for _, sess := range s.sessions {
		sess.Teardown(ctx)
	}
}

// ConnectionSnapshot 按外设类型返回连接状态
func (s *Supervisor) ConnectionSnapshot() map[models.PeripheralKind]models.SessionSnapshot {
	out := make(map[models.PeripheralKind]models.SessionSnapshot, len(s.sessions))
	for _, sess := range s.sessions {
		out[sess.Identity().Kind] = sess.Snapshot()
	}
	return out
}

// Snapshots 按配置顺序返回连接状态
func (s *Supervisor) Snapshots() []models.SessionSnapshot {
	out := make([]models.SessionSnapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Sessions 所有会话（按配置顺序）
func (s *Supervisor) Sessions() []*session.Session {
	return append([]*session.Session(nil), s.sessions...)
}

func (s *Supervisor) emitReading(r models.Reading) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.consumer.OnReading(r)
}

func (s *Supervisor) emitLog(level zapcore.Level, device, message string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.consumer.OnLog(models.LogEvent{
		Time:    s.now(),
		Level:   level,
		Device:  device,
		Message: message,
	})
}

// emitter 把会话事件串行化地转发给 Consumer
type emitter struct {
	s *Supervisor
}

func (e emitter) EmitReading(r models.Reading) {
	e.s.emitReading(r)
}

func (e emitter) EmitLog(level zapcore.Level, device string, message string) {
	e.s.emitLog(level, device, message)
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
