package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/veluv01/AcoustiVision/internal/common/database"
	mqttcommon "github.com/veluv01/AcoustiVision/internal/common/mqtt"
	rediscommon "github.com/veluv01/AcoustiVision/internal/common/redis"
	"github.com/veluv01/AcoustiVision/internal/config"
	"github.com/veluv01/AcoustiVision/internal/consumer"
	"github.com/veluv01/AcoustiVision/internal/models"
	"github.com/veluv01/AcoustiVision/internal/repository"
	"github.com/veluv01/AcoustiVision/internal/supervisor"
	"github.com/veluv01/AcoustiVision/internal/transport"
	"go.uber.org/zap"
)

// BLEService BLE 外设监控服务
type BLEService struct {
	config *config.Config
	logger *zap.Logger

	adapter      transport.Adapter
	closeAdapter func() error

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	fanout      *consumer.Fanout
	hub         *consumer.Hub
	streams     *consumer.StreamPublisher
	mqttPub     *consumer.MQTTPublisher
	recorder    *consumer.Recorder
	statusCache *consumer.StatusCache

	supervisor *supervisor.Supervisor
	history    ReadingHistory
	server     *Server

	cancel        context.CancelFunc
	wg            sync.WaitGroup
	lastConnected int
	lastStatus    map[models.PeripheralKind]linkState
}

// NewBLEService 创建服务；可选的 Redis/MQTT/数据库连接失败时记录日志并跳过
func NewBLEService(cfg *config.Config, logger *zap.Logger) (*BLEService, error) {
	var (
		adapter      transport.Adapter
		closeAdapter func() error
	)
	switch cfg.BLE.Transport {
	case config.TransportStub:
		adapter = transport.NewStubAdapter()
		logger.Warn("Using stub BLE transport, no real devices will be found")
	default:
		bluez, err := transport.NewBlueZAdapter(cfg.BLE.Adapter, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open BLE adapter %s: %w", cfg.BLE.Adapter, err)
		}
		adapter = bluez
		closeAdapter = bluez.Close
	}

	s, err := NewBLEServiceWithAdapter(cfg, adapter, logger)
	if err != nil {
		if closeAdapter != nil {
			closeAdapter()
		}
		return nil, err
	}
	s.closeAdapter = closeAdapter
	s.connectSinks()
	return s, nil
}

// NewBLEServiceWithAdapter 使用给定的传输适配器创建服务，不连接外部 Sink
func NewBLEServiceWithAdapter(cfg *config.Config, adapter transport.Adapter, logger *zap.Logger) (*BLEService, error) {
	s := &BLEService{
		config:        cfg,
		logger:        logger,
		adapter:       adapter,
		hub:           consumer.NewHub(logger),
		lastConnected: -1,
	}
	s.fanout = consumer.NewFanout(consumer.NewLogSink(logger), s.hub)

	sup, err := supervisor.New(cfg.SupervisorConfig(), cfg.BLE.Devices, adapter, s.fanout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}
	s.supervisor = sup
	return s, nil
}

func (s *BLEService) connectSinks() {
	cfg := s.config

	if cfg.Sinks.RedisEnabled {
		client := rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), client); err != nil {
			s.logger.Error("Redis unavailable, stream and status cache disabled", zap.Error(err))
			rediscommon.Close(client)
		} else {
			s.redis = client
			s.streams = consumer.NewStreamPublisher(client, cfg.Sinks.RedisDataStream, cfg.Sinks.RedisStreamMaxLen, s.logger)
			s.statusCache = consumer.NewStatusCache(client, cfg.Sinks.RedisStatusPrefix, 3*cfg.BLE.StatusInterval, s.logger)
			s.fanout.Add(s.streams)
		}
	}

	if cfg.Sinks.MQTTEnabled {
		client, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
		if err != nil {
			s.logger.Error("MQTT unavailable, publisher disabled", zap.Error(err))
		} else {
			s.mqttClient = client
			s.mqttPub = consumer.NewMQTTPublisher(client, cfg.Sinks.MQTTTopicPrefix, cfg.MQTT.QoS, s.logger)
			s.fanout.Add(s.mqttPub)
		}
	}

	if cfg.Sinks.DBEnabled {
		db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
		if err != nil {
			s.logger.Error("Database unavailable, recorder disabled", zap.Error(err))
		} else {
			repo := repository.NewReadingRepository(db, s.logger)
			if err := repo.EnsureSchema(context.Background()); err != nil {
				s.logger.Error("Failed to prepare readings table, recorder disabled", zap.Error(err))
				database.Close(db)
			} else {
				s.db = db
				s.history = repo
				s.recorder = consumer.NewRecorder(repo, s.logger)
				s.fanout.Add(s.recorder)
			}
		}
	}
}

// Start 启动服务
func (s *BLEService) Start(ctx context.Context) error {
	s.logger.Info("Starting BLE service components",
		zap.Int("devices", len(s.config.BLE.Devices)),
		zap.Int("sinks", s.fanout.Len()),
	)

	ctx, s.cancel = context.WithCancel(ctx)

	if s.streams != nil {
		s.streams.Start(ctx)
	}
	if s.mqttPub != nil {
		s.mqttPub.Start(ctx)
	}
	if s.recorder != nil {
		s.recorder.Start(ctx)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.supervisor.Run(ctx); err != nil {
			s.logger.Error("Supervisor stopped with error", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.statusLoop(ctx)
	}()

	if s.config.HTTP.Addr != "" {
		s.server = NewServer(s.config.HTTP.Addr, NewRouter(s, s.history, s.hub, s.logger), s.logger)
		go func() {
			if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("BLE service started successfully")
	return nil
}

// Stop 停止服务：先拆除所有 BLE 连接，再关闭 Sink 和外部连接
func (s *BLEService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping BLE service")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}
	s.hub.Close()

	if s.streams != nil {
		s.streams.Stop()
	}
	if s.mqttPub != nil {
		s.mqttPub.Stop()
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}
	if s.db != nil {
		database.Close(s.db)
	}
	if s.closeAdapter != nil {
		if err := s.closeAdapter(); err != nil {
			s.logger.Error("Error closing BLE adapter", zap.Error(err))
		}
	}

	s.logger.Info("BLE service stopped")
	return nil
}

// Snapshots 当前连接状态
func (s *BLEService) Snapshots() []models.SessionSnapshot {
	return s.supervisor.Snapshots()
}
