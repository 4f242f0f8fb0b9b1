// Package query reads exported session accounting back out of ClickHouse.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/export"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// HistoryPoint is one exported snapshot of a session's counters.
type HistoryPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Service    string    `json:"service,omitempty"`
	ParentID   uint64    `json:"parent_id,omitempty"`
	DurationS  uint64    `json:"duration_sec"`
	InPackets  uint64    `json:"in_packets"`
	InBytes    uint64    `json:"in_bytes"`
	InDropped  uint64    `json:"in_dropped"`
	OutPackets uint64    `json:"out_packets"`
	OutBytes   uint64    `json:"out_bytes"`
	OutDropped uint64    `json:"out_dropped"`
}

// Totals summarises the latest exported counters of every session in a namespace.
type Totals struct {
	Namespace  string `json:"namespace"`
	Sessions   uint64 `json:"sessions"`
	InBytes    uint64 `json:"in_bytes"`
	InPackets  uint64 `json:"in_packets"`
	OutBytes   uint64 `json:"out_bytes"`
	OutPackets uint64 `json:"out_packets"`
}

// Querier defines the interface for querying accounting history.
type Querier interface {
	SessionHistory(ctx context.Context, ns string, id uint64, since time.Time) ([]HistoryPoint, error)
	NamespaceTotals(ctx context.Context, ns string, until time.Time) (*Totals, error)
	Close() error
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := export.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// historyQuery builds the statement listing the snapshots of one session.
func historyQuery(ns string, id uint64, since time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT Timestamp, Service, ParentID, DurationSec,
			InPackets, InBytes, InDropped, OutPackets, OutBytes, OutDropped
		FROM ` + export.TableName)
	where := []string{"Namespace = ?", "SessionID = ?"}
	args := []any{ns, id}
	if !since.IsZero() {
		where = append(where, "Timestamp >= ?")
		args = append(args, since)
	}
	b.WriteString(" WHERE " + strings.Join(where, " AND "))
	b.WriteString(" ORDER BY Timestamp")
	return b.String(), args
}

// totalsQuery builds the statement summing the latest snapshot of every top-level session.
func totalsQuery(ns string, until time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			count() AS Sessions,
			sum(LatestInBytes), sum(LatestInPackets),
			sum(LatestOutBytes), sum(LatestOutPackets)
		FROM (
			SELECT
				SessionID,
				argMax(InBytes, Timestamp) AS LatestInBytes,
				argMax(InPackets, Timestamp) AS LatestInPackets,
				argMax(OutBytes, Timestamp) AS LatestOutBytes,
				argMax(OutPackets, Timestamp) AS LatestOutPackets
			FROM ` + export.TableName)
	where := []string{"Namespace = ?", "ParentID = 0"}
	args := []any{ns}
	if !until.IsZero() {
		where = append(where, "Timestamp <= ?")
		args = append(args, until)
	}
	b.WriteString(" WHERE " + strings.Join(where, " AND "))
	b.WriteString(`
			GROUP BY SessionID
		)`)
	return b.String(), args
}

// SessionHistory returns the exported snapshots of one session, oldest first.
func (q *clickhouseQuerier) SessionHistory(ctx context.Context, ns string, id uint64, since time.Time) ([]HistoryPoint, error) {
	stmt, args := historyQuery(ns, id, since)
	rows, err := q.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.Timestamp, &p.Service, &p.ParentID, &p.DurationS,
			&p.InPackets, &p.InBytes, &p.InDropped, &p.OutPackets, &p.OutBytes, &p.OutDropped); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// NamespaceTotals sums the latest counters of every top-level session exported for ns.
func (q *clickhouseQuerier) NamespaceTotals(ctx context.Context, ns string, until time.Time) (*Totals, error) {
	stmt, args := totalsQuery(ns, until)
	t := &Totals{Namespace: ns}
	row := q.conn.QueryRow(ctx, stmt, args...)
	if err := row.Scan(&t.Sessions, &t.InBytes, &t.InPackets, &t.OutBytes, &t.OutPackets); err != nil {
		return nil, fmt.Errorf("failed to scan totals: %w", err)
	}
	return t, nil
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}
