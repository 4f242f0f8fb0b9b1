package export

import (
	"context"
	"fmt"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/factory"
	"GoISG/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, interval time.Duration, logger *zap.Logger) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, interval, logger)
	})
}

// TableName is the ClickHouse table holding session accounting snapshots.
const TableName = "session_accounting"

const createTableStatement = `
CREATE TABLE IF NOT EXISTS session_accounting (
    Timestamp   DateTime,
    Namespace   String,
    SessionID   UInt64,
    ParentID    UInt64,
    Service     String,
    IPAddr      String,
    NATIPAddr   String,
    MACAddr     String,
    Port        UInt32,
    Flags       UInt64,
    StartTime   DateTime,
    DurationSec UInt64,
    InPackets   UInt64,
    InBytes     UInt64,
    InDropped   UInt64,
    OutPackets  UInt64,
    OutBytes    UInt64,
    OutDropped  UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Namespace, SessionID, Timestamp);
`

// ClickHouseWriter appends every snapshot to the session_accounting table.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
	logger   *zap.Logger
}

// NewClickHouseWriter connects and ensures the table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration, logger *zap.Logger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info("Connected to ClickHouse and ensured table exists", zap.String("table", TableName))

	return &ClickHouseWriter{conn: conn, interval: interval, logger: logger}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

// Write inserts one row per record.
func (w *ClickHouseWriter) Write(records []model.SessionRecord, timestamp string) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+TableName)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	snapshotTime, err := time.ParseInLocation(TimestampLayout, timestamp, time.Local)
	if err != nil {
		snapshotTime = time.Now()
	}
	for _, rec := range records {
		if err := batch.Append(row(rec, snapshotTime)...); err != nil {
			return fmt.Errorf("failed to append record to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debug("Wrote records to ClickHouse", zap.Int("records", len(records)))
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// row lays rec out in column order of the session_accounting table.
func row(rec model.SessionRecord, ts time.Time) []any {
	return []any{
		ts,
		rec.Namespace,
		rec.ID,
		rec.ParentID,
		rec.Service,
		rec.IPAddr,
		rec.NATIPAddr,
		rec.MACAddr,
		rec.Port,
		rec.Flags,
		rec.StartTime,
		uint64(rec.Duration / time.Second),
		rec.InPackets,
		rec.InBytes,
		rec.InDropped,
		rec.OutPackets,
		rec.OutBytes,
		rec.OutDropped,
	}
}
