// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage holds the two persistence sinks: the embedded SQLite
// time-series store and the optional Redis durable store.
package storage // import "github.com/edgewatch/edgewatch/internal/storage"

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	ts              INTEGER NOT NULL,
	device_id       TEXT    NOT NULL,
	cpu_temperature REAL,
	cpu_usage       REAL,
	cpu_frequency   REAL,
	cpu_cores       INTEGER,
	memory_percent  REAL,
	memory_used_mb  REAL,
	memory_total_mb REAL,
	disk_percent    REAL,
	disk_used_gb    REAL,
	disk_total_gb   REAL,
	network_sent_mb REAL,
	network_recv_mb REAL,
	ml_score        REAL    NOT NULL DEFAULT 0,
	is_anomaly      INTEGER NOT NULL DEFAULT 0,
	remote_score    REAL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots (ts);
`

// snapshotRow is the flat table shape of one persisted cycle.
type snapshotRow struct {
	TS             int64           `db:"ts"`
	DeviceID       string          `db:"device_id"`
	CPUTemperature sql.NullFloat64 `db:"cpu_temperature"`
	CPUUsage       sql.NullFloat64 `db:"cpu_usage"`
	CPUFrequency   sql.NullFloat64 `db:"cpu_frequency"`
	CPUCores       sql.NullInt64   `db:"cpu_cores"`
	MemoryPercent  sql.NullFloat64 `db:"memory_percent"`
	MemoryUsedMB   sql.NullFloat64 `db:"memory_used_mb"`
	MemoryTotalMB  sql.NullFloat64 `db:"memory_total_mb"`
	DiskPercent    sql.NullFloat64 `db:"disk_percent"`
	DiskUsedGB     sql.NullFloat64 `db:"disk_used_gb"`
	DiskTotalGB    sql.NullFloat64 `db:"disk_total_gb"`
	NetworkSentMB  sql.NullFloat64 `db:"network_sent_mb"`
	NetworkRecvMB  sql.NullFloat64 `db:"network_recv_mb"`
	MLScore        float64         `db:"ml_score"`
	IsAnomaly      bool            `db:"is_anomaly"`
	RemoteScore    sql.NullFloat64 `db:"remote_score"`
}

// Statistics summarizes the local store.
type Statistics struct {
	Count        int64    `db:"count" json:"count"`
	AnomalyCount int64    `db:"anomaly_count" json:"anomaly_count"`
	AvgCPUTemp   *float64 `db:"avg_cpu_temp" json:"avg_cpu_temp,omitempty"`
	AvgCPUUsage  *float64 `db:"avg_cpu_usage" json:"avg_cpu_usage,omitempty"`
	AvgMemory    *float64 `db:"avg_memory" json:"avg_memory,omitempty"`
	AvgDisk      *float64 `db:"avg_disk" json:"avg_disk,omitempty"`
}

// TimeSeriesStore is the append-only local sink. The schema is created
// lazily on open.
type TimeSeriesStore struct {
	logger *zap.Logger
	db     *sqlx.DB
}

// OpenTimeSeries opens (or creates) the store at path.
func OpenTimeSeries(logger *zap.Logger, path string) (*TimeSeriesStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open time-series store: %w", err)
	}
	// Single writer; serialize access instead of fighting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("time-series store ready", zap.String("path", path))
	return &TimeSeriesStore{logger: logger, db: db}, nil
}

// Write appends one cycle's snapshot and verdicts.
func (s *TimeSeriesStore) Write(ctx context.Context, snap *telemetry.Snapshot, local telemetry.Verdict, remote *telemetry.RemoteVerdict) error {
	row := rowFromSnapshot(snap, local, remote)

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO snapshots (
			ts, device_id,
			cpu_temperature, cpu_usage, cpu_frequency, cpu_cores,
			memory_percent, memory_used_mb, memory_total_mb,
			disk_percent, disk_used_gb, disk_total_gb,
			network_sent_mb, network_recv_mb,
			ml_score, is_anomaly, remote_score
		) VALUES (
			:ts, :device_id,
			:cpu_temperature, :cpu_usage, :cpu_frequency, :cpu_cores,
			:memory_percent, :memory_used_mb, :memory_total_mb,
			:disk_percent, :disk_used_gb, :disk_total_gb,
			:network_sent_mb, :network_recv_mb,
			:ml_score, :is_anomaly, :remote_score
		)`, row)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadRecent returns snapshots no older than the window, oldest first.
func (s *TimeSeriesStore) ReadRecent(ctx context.Context, window time.Duration) ([]*telemetry.Snapshot, error) {
	cutoff := time.Now().Add(-window).UnixNano()

	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM snapshots WHERE ts >= ? ORDER BY ts ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("read recent snapshots: %w", err)
	}

	snaps := make([]*telemetry.Snapshot, 0, len(rows))
	for i := range rows {
		snaps = append(snaps, rows[i].toSnapshot())
	}
	return snaps, nil
}

// Statistics aggregates count, anomaly count and averages over the store.
func (s *TimeSeriesStore) Statistics(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*)                                   AS count,
			COALESCE(SUM(is_anomaly), 0)               AS anomaly_count,
			AVG(cpu_temperature)                       AS avg_cpu_temp,
			AVG(cpu_usage)                             AS avg_cpu_usage,
			AVG(memory_percent)                        AS avg_memory,
			AVG(disk_percent)                          AS avg_disk
		FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("store statistics: %w", err)
	}
	return &stats, nil
}

// Close closes the underlying database.
func (s *TimeSeriesStore) Close() error {
	return s.db.Close()
}

func rowFromSnapshot(snap *telemetry.Snapshot, local telemetry.Verdict, remote *telemetry.RemoteVerdict) snapshotRow {
	row := snapshotRow{
		TS:        snap.Timestamp.UnixNano(),
		DeviceID:  snap.DeviceID,
		MLScore:   local.Score,
		IsAnomaly: local.IsAnomaly,
	}

	if snap.CPU != nil {
		if snap.CPU.Temperature != nil {
			row.CPUTemperature = sql.NullFloat64{Float64: *snap.CPU.Temperature, Valid: true}
		}
		row.CPUUsage = sql.NullFloat64{Float64: snap.CPU.UsagePercent, Valid: true}
		row.CPUFrequency = sql.NullFloat64{Float64: snap.CPU.FrequencyMHz, Valid: true}
		row.CPUCores = sql.NullInt64{Int64: int64(snap.CPU.CoreCount), Valid: true}
	}
	if snap.Memory != nil {
		row.MemoryPercent = sql.NullFloat64{Float64: snap.Memory.Percent, Valid: true}
		row.MemoryUsedMB = sql.NullFloat64{Float64: snap.Memory.UsedMB, Valid: true}
		row.MemoryTotalMB = sql.NullFloat64{Float64: snap.Memory.TotalMB, Valid: true}
	}
	if snap.Disk != nil {
		row.DiskPercent = sql.NullFloat64{Float64: snap.Disk.Percent, Valid: true}
		row.DiskUsedGB = sql.NullFloat64{Float64: snap.Disk.UsedGB, Valid: true}
		row.DiskTotalGB = sql.NullFloat64{Float64: snap.Disk.TotalGB, Valid: true}
	}
	if snap.Network != nil {
		row.NetworkSentMB = sql.NullFloat64{Float64: snap.Network.SentMB, Valid: true}
		row.NetworkRecvMB = sql.NullFloat64{Float64: snap.Network.RecvMB, Valid: true}
	}
	if remote != nil {
		row.RemoteScore = sql.NullFloat64{Float64: remote.Score, Valid: true}
	}

	return row
}

func (r *snapshotRow) toSnapshot() *telemetry.Snapshot {
	snap := &telemetry.Snapshot{
		Timestamp: time.Unix(0, r.TS).UTC(),
		DeviceID:  r.DeviceID,
	}

	if r.CPUUsage.Valid {
		cpu := &telemetry.CPUMetrics{
			UsagePercent: r.CPUUsage.Float64,
			FrequencyMHz: r.CPUFrequency.Float64,
			CoreCount:    int(r.CPUCores.Int64),
		}
		if r.CPUTemperature.Valid {
			v := r.CPUTemperature.Float64
			cpu.Temperature = &v
		}
		snap.CPU = cpu
	}
	if r.MemoryPercent.Valid {
		snap.Memory = &telemetry.MemoryMetrics{
			Percent: r.MemoryPercent.Float64,
			UsedMB:  r.MemoryUsedMB.Float64,
			TotalMB: r.MemoryTotalMB.Float64,
		}
	}
	if r.DiskPercent.Valid {
		snap.Disk = &telemetry.DiskMetrics{
			Percent: r.DiskPercent.Float64,
			UsedGB:  r.DiskUsedGB.Float64,
			TotalGB: r.DiskTotalGB.Float64,
		}
	}
	if r.NetworkSentMB.Valid {
		snap.Network = &telemetry.NetworkMetrics{
			SentMB: r.NetworkSentMB.Float64,
			RecvMB: r.NetworkRecvMB.Float64,
		}
	}

	return snap
}
