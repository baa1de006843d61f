package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veluv01/AcoustiVision/internal/models"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "hci0", cfg.BLE.Adapter)
	assert.Equal(t, TransportBlueZ, cfg.BLE.Transport)
	assert.Equal(t, 15*time.Second, cfg.BLE.ScanTimeout)
	assert.Equal(t, 20*time.Second, cfg.BLE.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.BLE.StaleAfter)
	assert.Equal(t, 2*time.Second, cfg.BLE.PacingInterval)
	assert.Equal(t, 10*time.Second, cfg.BLE.IdleInterval)
	assert.Equal(t, 5*time.Second, cfg.BLE.FaultBackoff)
	assert.Equal(t, time.Second, cfg.BLE.SettleDelay)
	assert.Equal(t, 5, cfg.BLE.InvalidateAfter)
	assert.True(t, cfg.BLE.TeardownOnStale)
	assert.Equal(t, time.Second, cfg.BLE.StatusInterval)
	require.Len(t, cfg.BLE.Devices, 2)
	assert.Equal(t, "SPL_Meter", cfg.BLE.Devices[0].AdvertisedName)
	assert.Equal(t, models.KindOccupancy, cfg.BLE.Devices[1].Kind)

	assert.False(t, cfg.Sinks.RedisEnabled)
	assert.False(t, cfg.Sinks.MQTTEnabled)
	assert.False(t, cfg.Sinks.DBEnabled)
	assert.Equal(t, "ble:data:stream", cfg.Sinks.RedisDataStream)
	assert.Equal(t, "ble:status:", cfg.Sinks.RedisStatusPrefix)
	assert.Equal(t, "ble", cfg.Sinks.MQTTTopicPrefix)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("BLE_ADAPTER", "hci1")
	t.Setenv("BLE_TRANSPORT", "STUB")
	t.Setenv("BLE_STALE_AFTER", "30s")
	t.Setenv("BLE_INVALIDATE_AFTER", "0")
	t.Setenv("BLE_TEARDOWN_ON_STALE", "false")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MQTT_TOPIC_PREFIX", "site-a/ble/")
	t.Setenv("DB_NAME", "sensors")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "hci1", cfg.BLE.Adapter)
	assert.Equal(t, TransportStub, cfg.BLE.Transport)
	assert.Equal(t, 30*time.Second, cfg.BLE.StaleAfter)
	assert.Equal(t, 0, cfg.BLE.InvalidateAfter)
	assert.False(t, cfg.BLE.TeardownOnStale)
	assert.True(t, cfg.Sinks.RedisEnabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "site-a/ble", cfg.Sinks.MQTTTopicPrefix)
	assert.Equal(t, "sensors", cfg.Database.Database)
	assert.Empty(t, cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	sc := cfg.SupervisorConfig()
	assert.Equal(t, uint32(0), sc.InvalidateAfter)
	assert.False(t, sc.TeardownOnStale)
	assert.Equal(t, 30*time.Second, sc.StaleAfter)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"BLE_SCAN_TIMEOUT":      "soon",
		"BLE_INVALIDATE_AFTER":  "many",
		"BLE_TEARDOWN_ON_STALE": "maybe",
		"BLE_CONNECT_TIMEOUT":   "-1s",
		"BLE_TRANSPORT":         "serial",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			os.Clearenv()
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_DevicesFile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	content := `devices:
  - kind: acoustic
    name: SPL_Lab
    service_uuid: 19B10000-E8F2-537E-4F6C-D104768A1214
    characteristic_uuid: 19B10001-E8F2-537E-4F6C-D104768A1214
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("BLE_DEVICES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.BLE.Devices, 1)
	assert.Equal(t, "SPL_Lab", cfg.BLE.Devices[0].AdvertisedName)
	assert.Equal(t, "19b10000-e8f2-537e-4f6c-d104768a1214", cfg.BLE.Devices[0].ServiceID)
}

func TestLoad_DevicesFileMissing(t *testing.T) {
	os.Clearenv()
	t.Setenv("BLE_DEVICES_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_Devices(t *testing.T) {
	os.Clearenv()

	tests := []struct {
		name   string
		mutate func(devices []models.DeviceIdentity) []models.DeviceIdentity
	}{
		{"duplicate kind", func(d []models.DeviceIdentity) []models.DeviceIdentity {
			d[1].Kind = d[0].Kind
			return d
		}},
		{"duplicate name", func(d []models.DeviceIdentity) []models.DeviceIdentity {
			d[1].AdvertisedName = d[0].AdvertisedName
			return d
		}},
		{"bad service uuid", func(d []models.DeviceIdentity) []models.DeviceIdentity {
			d[0].ServiceID = "not-a-uuid"
			return d
		}},
		{"bad characteristic uuid", func(d []models.DeviceIdentity) []models.DeviceIdentity {
			d[1].CharacteristicID = ""
			return d
		}},
		{"unknown kind", func(d []models.DeviceIdentity) []models.DeviceIdentity {
			d[0].Kind = models.PeripheralKind(7)
			return d
		}},
		{"empty", func(d []models.DeviceIdentity) []models.DeviceIdentity {
			return nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			cfg.BLE.Devices = tt.mutate(DefaultDevices())
			assert.Error(t, cfg.Validate())
		})
	}
}
