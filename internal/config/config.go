package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veluv01/AcoustiVision/internal/common/config"
	"github.com/veluv01/AcoustiVision/internal/models"
	"github.com/veluv01/AcoustiVision/internal/supervisor"
	"gopkg.in/yaml.v3"
)

// 传输实现
const (
	TransportBlueZ = "bluez"
	TransportStub  = "stub"
)

// Config BLE 服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	BLE struct {
		Adapter         string
		Transport       string
		ScanTimeout     time.Duration
		ConnectTimeout  time.Duration
		StaleAfter      time.Duration
		PacingInterval  time.Duration
		IdleInterval    time.Duration
		FaultBackoff    time.Duration
		SettleDelay     time.Duration
		ShutdownTimeout time.Duration
		InvalidateAfter int
		TeardownOnStale bool
		StatusInterval  time.Duration
		DevicesFile     string
		Devices         []models.DeviceIdentity
	}

	Sinks struct {
		RedisEnabled      bool
		RedisDataStream   string
		RedisStreamMaxLen int64
		RedisStatusPrefix string
		MQTTEnabled       bool
		MQTTTopicPrefix   string
		DBEnabled         bool
	}

	HTTP struct {
		Addr string // 为空时不启动 HTTP
	}

	Log struct {
		Level  string
		Format string
	}
}

// DefaultDevices 参考外设：声级计和人数检测节点
func DefaultDevices() []models.DeviceIdentity {
	return []models.DeviceIdentity{
		{
			Kind:             models.KindAcoustic,
			AdvertisedName:   "SPL_Meter",
			ServiceID:        "19b10000-e8f2-537e-4f6c-d104768a1214",
			CharacteristicID: "19b10001-e8f2-537e-4f6c-d104768a1214",
		},
		{
			Kind:             models.KindOccupancy,
			AdvertisedName:   "AIVisionNode",
			ServiceID:        "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			CharacteristicID: "beb5483e-36e1-4688-b7f5-ea07361b26a8",
		},
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "acoustivision"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "acoustivision"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	var err error
	ble := &cfg.BLE
	ble.Adapter = getEnv("BLE_ADAPTER", "hci0")
	ble.Transport = strings.ToLower(getEnv("BLE_TRANSPORT", TransportBlueZ))
	if ble.ScanTimeout, err = getEnvDuration("BLE_SCAN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if ble.ConnectTimeout, err = getEnvDuration("BLE_CONNECT_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if ble.StaleAfter, err = getEnvDuration("BLE_STALE_AFTER", 15*time.Second); err != nil {
		return nil, err
	}
	if ble.PacingInterval, err = getEnvDuration("BLE_PACING_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if ble.IdleInterval, err = getEnvDuration("BLE_IDLE_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if ble.FaultBackoff, err = getEnvDuration("BLE_FAULT_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if ble.SettleDelay, err = getEnvDuration("BLE_SETTLE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if ble.ShutdownTimeout, err = getEnvDuration("BLE_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if ble.StatusInterval, err = getEnvDuration("BLE_STATUS_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if ble.InvalidateAfter, err = getEnvInt("BLE_INVALIDATE_AFTER", 5); err != nil {
		return nil, err
	}
	if ble.TeardownOnStale, err = getEnvBool("BLE_TEARDOWN_ON_STALE", true); err != nil {
		return nil, err
	}

	ble.DevicesFile = getEnv("BLE_DEVICES_FILE", "")
	ble.Devices = DefaultDevices()
	if ble.DevicesFile != "" {
		devices, err := LoadDevices(ble.DevicesFile)
		if err != nil {
			return nil, err
		}
		ble.Devices = devices
	}

	sinks := &cfg.Sinks
	if sinks.RedisEnabled, err = getEnvBool("REDIS_ENABLED", false); err != nil {
		return nil, err
	}
	sinks.RedisDataStream = getEnv("REDIS_DATA_STREAM", "ble:data:stream")
	maxLen, err := getEnvInt("REDIS_STREAM_MAXLEN", 10000)
	if err != nil {
		return nil, err
	}
	sinks.RedisStreamMaxLen = int64(maxLen)
	sinks.RedisStatusPrefix = getEnv("REDIS_STATUS_PREFIX", "ble:status:")
	if sinks.MQTTEnabled, err = getEnvBool("MQTT_ENABLED", false); err != nil {
		return nil, err
	}
	sinks.MQTTTopicPrefix = strings.TrimSuffix(getEnv("MQTT_TOPIC_PREFIX", "ble"), "/")
	if sinks.DBEnabled, err = getEnvBool("DB_ENABLED", false); err != nil {
		return nil, err
	}

	cfg.HTTP.Addr = os.Getenv("HTTP_ADDR")
	if _, set := os.LookupEnv("HTTP_ADDR"); !set {
		cfg.HTTP.Addr = ":8090"
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type devicesFile struct {
	Devices []models.DeviceIdentity `yaml:"devices"`
}

// LoadDevices 从 YAML 文件读取外设列表
func LoadDevices(path string) ([]models.DeviceIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}

	var file devicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	if len(file.Devices) == 0 {
		return nil, fmt.Errorf("devices file %s lists no devices", path)
	}
	return file.Devices, nil
}

// Validate 校验配置；UUID 被规范化为小写
func (c *Config) Validate() error {
	ble := &c.BLE

	if ble.Transport != TransportBlueZ && ble.Transport != TransportStub {
		return fmt.Errorf("unknown BLE_TRANSPORT: %q", ble.Transport)
	}

	durations := map[string]time.Duration{
		"BLE_SCAN_TIMEOUT":     ble.ScanTimeout,
		"BLE_CONNECT_TIMEOUT":  ble.ConnectTimeout,
		"BLE_STALE_AFTER":      ble.StaleAfter,
		"BLE_IDLE_INTERVAL":    ble.IdleInterval,
		"BLE_FAULT_BACKOFF":    ble.FaultBackoff,
		"BLE_SHUTDOWN_TIMEOUT": ble.ShutdownTimeout,
		"BLE_STATUS_INTERVAL":  ble.StatusInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if ble.PacingInterval < 0 || ble.SettleDelay < 0 {
		return errors.New("BLE_PACING_INTERVAL and BLE_SETTLE_DELAY must not be negative")
	}
	if ble.InvalidateAfter < 0 {
		return fmt.Errorf("BLE_INVALIDATE_AFTER must not be negative, got %d", ble.InvalidateAfter)
	}

	if len(ble.Devices) == 0 {
		return errors.New("no devices configured")
	}
	kinds := make(map[models.PeripheralKind]bool)
	names := make(map[string]bool)
	for i := range ble.Devices {
		d := &ble.Devices[i]
		if !d.Kind.Valid() {
			return fmt.Errorf("device %d: unknown kind %s", i, d.Kind)
		}
		if d.AdvertisedName == "" {
			return fmt.Errorf("device %d: empty advertised name", i)
		}
		if kinds[d.Kind] {
			return fmt.Errorf("duplicate device kind: %s", d.Kind)
		}
		if names[d.AdvertisedName] {
			return fmt.Errorf("duplicate device name: %s", d.AdvertisedName)
		}
		kinds[d.Kind] = true
		names[d.AdvertisedName] = true

		service, err := uuid.Parse(d.ServiceID)
		if err != nil {
			return fmt.Errorf("device %s: invalid service uuid %q: %w", d.AdvertisedName, d.ServiceID, err)
		}
		characteristic, err := uuid.Parse(d.CharacteristicID)
		if err != nil {
			return fmt.Errorf("device %s: invalid characteristic uuid %q: %w", d.AdvertisedName, d.CharacteristicID, err)
		}
		d.ServiceID = service.String()
		d.CharacteristicID = characteristic.String()
	}

	return nil
}

// SupervisorConfig 转换为连接管理参数
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		ScanTimeout:     c.BLE.ScanTimeout,
		ConnectTimeout:  c.BLE.ConnectTimeout,
		StaleAfter:      c.BLE.StaleAfter,
		PacingInterval:  c.BLE.PacingInterval,
		IdleInterval:    c.BLE.IdleInterval,
		FaultBackoff:    c.BLE.FaultBackoff,
		SettleDelay:     c.BLE.SettleDelay,
		ShutdownTimeout: c.BLE.ShutdownTimeout,
		InvalidateAfter: uint32(c.BLE.InvalidateAfter),
		TeardownOnStale: c.BLE.TeardownOnStale,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
