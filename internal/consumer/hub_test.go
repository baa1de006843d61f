package consumer

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_BroadcastsEnvelopes(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub)

	hub.OnReading(models.Reading{Kind: models.KindAcoustic, Device: "SPL_Meter", Level: 72})
	hub.OnLog(models.LogEvent{Level: zapcore.WarnLevel, Device: "SPL_Meter", Message: "SPL_Meter disconnected"})
	hub.BroadcastStatus([]models.SessionSnapshot{{Kind: models.KindAcoustic, Connected: true}})

	env := readEnvelope(t, conn)
	assert.Equal(t, MsgReading, env["type"])
	payload := env["payload"].(map[string]interface{})
	assert.Equal(t, "acoustic", payload["kind"])
	assert.Equal(t, 72.0, payload["level"])
	assert.NotZero(t, env["timestamp"])

	env = readEnvelope(t, conn)
	assert.Equal(t, MsgLog, env["type"])
	assert.Equal(t, "warn", env["payload"].(map[string]interface{})["level"])

	env = readEnvelope(t, conn)
	assert.Equal(t, MsgStatus, env["type"])
	assert.Len(t, env["payload"], 1)
}

func TestHub_ClientDisconnectRemoved(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	// 没有客户端时广播不会阻塞
	hub.OnReading(models.Reading{Kind: models.KindAcoustic})
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub(zap.NewNop())
	dialHub(t, hub)

	// 客户端从不读取；写缓冲和 send 队列最终填满
	big := strings.Repeat("x", 64*1024)
	require.Eventually(t, func() bool {
		hub.OnLog(models.LogEvent{Message: big})
		return hub.ClientCount() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
