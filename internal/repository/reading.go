package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veluv01/AcoustiVision/internal/models"
	"go.uber.org/zap"
)

const createReadingsTable = `
	CREATE TABLE IF NOT EXISTS ble_readings (
		id          BIGSERIAL PRIMARY KEY,
		kind        TEXT        NOT NULL,
		device      TEXT        NOT NULL,
		level       REAL,
		person_count SMALLINT,
		decoded_at  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// StoredReading 持久化后的读数
type StoredReading struct {
	ID        int64                 `json:"id"`
	Kind      models.PeripheralKind `json:"kind"`
	Device    string                `json:"device"`
	Value     float64               `json:"value"`
	DecodedAt time.Time             `json:"decoded_at"`
}

// ReadingRepository 读数仓库
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建读数仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 建表（幂等）
func (r *ReadingRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createReadingsTable); err != nil {
		return fmt.Errorf("failed to create ble_readings table: %w", err)
	}
	return nil
}

// Insert 写入一条读数，返回 id
// 声级写入 level，人数写入 person_count，另一列为 NULL
func (r *ReadingRepository) Insert(ctx context.Context, reading models.Reading) (int64, error) {
	query := `
		INSERT INTO ble_readings (kind, device, level, person_count, decoded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var level sql.NullFloat64
	var count sql.NullInt16
	switch reading.Kind {
	case models.KindAcoustic:
		level = sql.NullFloat64{Float64: float64(reading.Level), Valid: true}
	case models.KindOccupancy:
		count = sql.NullInt16{Int16: int16(reading.Count), Valid: true}
	default:
		return 0, fmt.Errorf("unsupported reading kind: %s", reading.Kind)
	}

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		reading.Kind.String(),
		reading.Device,
		level,
		count,
		reading.DecodedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}

	return id, nil
}

// ListRecent 按时间倒序返回某类外设最近的读数
func (r *ReadingRepository) ListRecent(ctx context.Context, kind models.PeripheralKind, limit int) ([]StoredReading, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, device, COALESCE(level, person_count::real), decoded_at
		FROM ble_readings
		WHERE kind = $1
		ORDER BY decoded_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, kind.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		sr := StoredReading{Kind: kind}
		if err := rows.Scan(&sr.ID, &sr.Device, &sr.Value, &sr.DecodedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return out, nil
}
