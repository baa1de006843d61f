package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veluv01/AcoustiVision/internal/common/logger"
	"github.com/veluv01/AcoustiVision/internal/config"
	"github.com/veluv01/AcoustiVision/internal/service"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "acoustivision")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting acoustivision service",
		zap.String("adapter", cfg.BLE.Adapter),
		zap.String("transport", cfg.BLE.Transport),
		zap.Int("devices", len(cfg.BLE.Devices)),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建服务
	bleService, err := service.NewBLEService(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to create BLE service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bleService.Start(ctx); err != nil {
		zlog.Fatal("Failed to start BLE service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.BLE.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	if err := bleService.Stop(stopCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}

	zlog.Info("Service stopped")
}
