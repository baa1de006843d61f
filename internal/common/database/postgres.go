package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/veluv01/AcoustiVision/internal/common/config"
)

// 网关只有一个写入 worker，连接池保持很小
const (
	defaultMaxConns    = 4
	defaultMaxIdle     = 2
	connMaxIdleTime    = 5 * time.Minute
	defaultPingTimeout = 5 * time.Second
)

// NewPostgresDB 打开连接池并在 ctx 内完成一次 Ping
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns, maxIdle := cfg.MaxConns, cfg.MaxIdle
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if maxIdle <= 0 || maxIdle > maxConns {
		maxIdle = min(defaultMaxIdle, maxConns)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s: %w", cfg.Database, cfg.Host, err)
	}

	return db, nil
}

// Close 关闭连接池；nil 安全
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
