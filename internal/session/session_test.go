package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veluv01/AcoustiVision/internal/models"
	"github.com/veluv01/AcoustiVision/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// recordingEmitter 记录会话发出的读数和日志
type recordingEmitter struct {
	mu       sync.Mutex
	readings []models.Reading
	logs     []models.LogEvent
}

func (e *recordingEmitter) EmitReading(r models.Reading) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readings = append(e.readings, r)
}

func (e *recordingEmitter) EmitLog(level zapcore.Level, device string, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, models.LogEvent{Level: level, Device: device, Message: message})
}

func (e *recordingEmitter) levels() []zapcore.Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []zapcore.Level
	for _, l := range e.logs {
		out = append(out, l.Level)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var splIdentity = models.DeviceIdentity{
	Kind:             models.KindAcoustic,
	AdvertisedName:   "SPL_Meter",
	ServiceID:        "19b10000-e8f2-537e-4f6c-d104768a1214",
	CharacteristicID: "19b10001-e8f2-537e-4f6c-d104768a1214",
}

func testConfig() Config {
	return Config{
		ConnectTimeout:  time.Second,
		StaleAfter:      15 * time.Second,
		SettleDelay:     0,
		InvalidateAfter: 3,
	}
}

func setupSession(t *testing.T) (*Session, *transport.StubAdapter, *recordingEmitter, *fakeClock) {
	stub := transport.NewStubAdapter()
	emitter := &recordingEmitter{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := New(splIdentity, stub, emitter, testConfig(), zap.NewNop(), WithClock(clock.Now))
	return s, stub, emitter, clock
}

func TestSession_ConnectSubscribesAndEmitsReadings(t *testing.T) {
	s, stub, emitter, clock := setupSession(t)

	require.NoError(t, s.Connect(context.Background(), "AA:BB"))
	assert.True(t, s.Connected())
	assert.Equal(t, "AA:BB", s.Address())

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, stub.Notify("AA:BB", []byte{0x00, 0x00, 0x80, 0x3F}))

	require.Len(t, emitter.readings, 1)
	r := emitter.readings[0]
	assert.Equal(t, models.KindAcoustic, r.Kind)
	assert.Equal(t, float32(1.0), r.Level)
	assert.Equal(t, "SPL_Meter", r.Device)

	snap := s.Snapshot()
	assert.Equal(t, clock.Now(), snap.LastDataAt)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, float32(1.0), snap.Latest.Level)
}

func TestSession_DecodeErrorDropsNotification(t *testing.T) {
	s, stub, emitter, clock := setupSession(t)
	require.NoError(t, s.Connect(context.Background(), "AA:BB"))
	connectedAt := clock.Now()

	clock.Advance(5 * time.Second)
	stub.Notify("AA:BB", []byte{1, 2, 3})

	assert.Empty(t, emitter.readings)
	assert.True(t, s.Connected())
	assert.Equal(t, connectedAt, s.Snapshot().LastDataAt)
	assert.Contains(t, emitter.levels(), zapcore.DebugLevel)
}

func TestSession_StalenessThreshold(t *testing.T) {
	s, _, _, clock := setupSession(t)
	require.NoError(t, s.Connect(context.Background(), "AA:BB"))

	clock.Advance(15*time.Second - time.Nanosecond)
	alive, cause := s.Liveness()
	assert.True(t, alive)
	assert.Equal(t, CauseNone, cause)

	clock.Advance(time.Nanosecond)
	alive, cause = s.Liveness()
	assert.False(t, alive)
	assert.Equal(t, CauseNoData, cause)
}

func TestSession_NotificationRefreshesLiveness(t *testing.T) {
	s, stub, _, clock := setupSession(t)
	require.NoError(t, s.Connect(context.Background(), "AA:BB"))

	clock.Advance(10 * time.Second)
	stub.Notify("AA:BB", []byte{0, 0, 0x20, 0x42})
	clock.Advance(10 * time.Second)

	assert.True(t, s.IsAlive())
}

func TestSession_LinkClosedIsNotAlive(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	require.NoError(t, s.Connect(context.Background(), "AA:BB"))

	stub.DropLink("AA:BB")

	alive, cause := s.Liveness()
	assert.False(t, alive)
	assert.Equal(t, CauseLinkClosed, cause)
}

func TestSession_ConnectTwiceKeepsOneHandle(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	stub.FailDisconnect(errors.New("disconnect refused"))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, "AA:BB"))
	require.NoError(t, s.Connect(ctx, "AA:BB"))

	handles := stub.Handles("AA:BB")
	require.Len(t, handles, 2)
	assert.Equal(t, 1, handles[0].Disconnects())
	assert.False(t, handles[0].Open())
	assert.Equal(t, 1, stub.OpenHandles("AA:BB"))
}

// capturingAdapter 记录每次订阅注册的回调
type capturingAdapter struct {
	*transport.StubAdapter
	callbacks []func([]byte)
}

func (c *capturingAdapter) Subscribe(ctx context.Context, h transport.Handle, serviceID, characteristicID string, onData func([]byte)) error {
	c.callbacks = append(c.callbacks, onData)
	return c.StubAdapter.Subscribe(ctx, h, serviceID, characteristicID, onData)
}

func TestSession_NotificationsFromReplacedHandleIgnored(t *testing.T) {
	adapter := &capturingAdapter{StubAdapter: transport.NewStubAdapter()}
	emitter := &recordingEmitter{}
	s := New(splIdentity, adapter, emitter, testConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, "AA:BB"))
	require.NoError(t, s.Connect(ctx, "AA:BB"))
	require.Len(t, adapter.callbacks, 2)

	adapter.callbacks[0]([]byte{0, 0, 0x80, 0x3F})
	assert.Empty(t, emitter.readings)

	adapter.callbacks[1]([]byte{0, 0, 0x80, 0x3F})
	assert.Len(t, emitter.readings, 1)
}

func TestSession_TeardownIsIdempotent(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	ctx := context.Background()

	assert.NotPanics(t, func() { s.Teardown(ctx) })
	assert.False(t, s.Connected())

	require.NoError(t, s.Connect(ctx, "AA:BB"))
	stub.DropLink("AA:BB")

	assert.NotPanics(t, func() { s.Teardown(ctx) })
	assert.False(t, s.Connected())
	assert.False(t, s.HasHandle())

	assert.NotPanics(t, func() { s.Teardown(ctx) })
	assert.False(t, s.Connected())
}

func TestSession_ConnectFailureLeavesDisconnected(t *testing.T) {
	s, stub, emitter, _ := setupSession(t)
	stub.FailConnect("AA:BB", errors.New("page timeout"))

	err := s.Connect(context.Background(), "AA:BB")
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, s.Connected())
	assert.Equal(t, "AA:BB", s.Address())
	assert.Contains(t, emitter.levels(), zapcore.ErrorLevel)
}

func TestSession_SubscribeFailureReleasesHandle(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	stub.FailSubscribe("AA:BB", errors.New("characteristic missing"))

	err := s.Connect(context.Background(), "AA:BB")
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.False(t, s.Connected())
	assert.False(t, s.HasHandle())
	assert.Equal(t, 0, stub.OpenHandles("AA:BB"))
}

func TestSession_ConnectWithoutAddress(t *testing.T) {
	s, _, _, _ := setupSession(t)
	assert.ErrorIs(t, s.Connect(context.Background(), ""), ErrNoAddress)
}

func TestSession_AddressSuspectAfterConsecutiveFailures(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	stub.FailConnect("AA:BB", errors.New("page timeout"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, s.Connect(ctx, "AA:BB"))
		assert.False(t, s.AddressSuspect())
	}
	require.Error(t, s.Connect(ctx, "AA:BB"))
	assert.True(t, s.AddressSuspect())

	// 熔断后不再尝试传输层连接，错误仍可按 ErrConnectFailed 分类
	connects := stub.Connects("AA:BB")
	err := s.Connect(ctx, "AA:BB")
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, connects, stub.Connects("AA:BB"))

	assert.True(t, s.InvalidateAddress())
	assert.Equal(t, "", s.Address())
	assert.False(t, s.AddressSuspect())
}

func TestSession_SuccessResetsFailureCount(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	ctx := context.Background()
	boom := errors.New("page timeout")

	stub.FailConnect("AA:BB", boom)
	require.Error(t, s.Connect(ctx, "AA:BB"))
	require.Error(t, s.Connect(ctx, "AA:BB"))

	stub.FailConnect("AA:BB", nil)
	require.NoError(t, s.Connect(ctx, "AA:BB"))

	stub.FailConnect("AA:BB", boom)
	require.Error(t, s.Connect(ctx, "AA:BB"))
	require.Error(t, s.Connect(ctx, "AA:BB"))
	assert.False(t, s.AddressSuspect())
}

func TestSession_InvalidationDisabled(t *testing.T) {
	stub := transport.NewStubAdapter()
	cfg := testConfig()
	cfg.InvalidateAfter = 0
	s := New(splIdentity, stub, &recordingEmitter{}, cfg, zap.NewNop())
	stub.FailConnect("AA:BB", errors.New("page timeout"))

	for i := 0; i < 10; i++ {
		require.Error(t, s.Connect(context.Background(), "AA:BB"))
	}
	assert.False(t, s.AddressSuspect())
	assert.Equal(t, "AA:BB", s.Address())
}

func TestSession_InvalidateAddressRefusedWhileConnected(t *testing.T) {
	s, _, _, _ := setupSession(t)
	require.NoError(t, s.Connect(context.Background(), "AA:BB"))

	assert.False(t, s.InvalidateAddress())
	assert.Equal(t, "AA:BB", s.Address())
}

func TestSession_MarkDisconnectedKeepsHandleUntilReconnect(t *testing.T) {
	s, stub, _, _ := setupSession(t)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "AA:BB"))

	s.MarkDisconnected()
	assert.False(t, s.Connected())
	assert.True(t, s.HasHandle())
	assert.Equal(t, 1, stub.OpenHandles("AA:BB"))

	require.NoError(t, s.Connect(ctx, "AA:BB"))
	assert.Equal(t, 1, stub.OpenHandles("AA:BB"))
}
