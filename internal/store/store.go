// Package store records profiling runs and their stints in SQLite, one row
// per completed stint, so models can be fitted across runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NodePath81/joule/internal/descriptor"
)

var ErrUnknownRun = errors.New("store: unknown run")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	profile     TEXT NOT NULL,
	meter_mode  TEXT NOT NULL,
	descriptor  TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT NOT NULL DEFAULT 'running',
	idle_median REAL,
	idle_mean   REAL,
	idle_virtual_median REAL,
	idle_virtual_mean   REAL
);
CREATE TABLE IF NOT EXISTS stints (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	idx              INTEGER NOT NULL,
	src              TEXT NOT NULL,
	dst              TEXT NOT NULL,
	bitrate_mbps     REAL NOT NULL,
	goodput_mbps     REAL,
	packetsize_bytes INTEGER NOT NULL,
	losses           REAL,
	median           REAL,
	mean             REAL,
	ci               REAL,
	virtual_median   REAL,
	virtual_mean     REAL,
	started_at       INTEGER NOT NULL,
	PRIMARY KEY (run_id, idx)
);
CREATE INDEX IF NOT EXISTS stints_link ON stints (src, dst, packetsize_bytes);
`

type Run struct {
	ID         string
	Profile    string
	MeterMode  string
	Descriptor string
	StartedAt  time.Time
}

// Row is one stored stint. Figures the run could not measure are NULL.
type Row struct {
	RunID         string
	Index         int
	Src           string
	Dst           string
	BitrateMbps   float64
	GoodputMbps   sql.NullFloat64
	PacketSize    int
	Losses        sql.NullFloat64
	Median        sql.NullFloat64
	Mean          sql.NullFloat64
	CI            sql.NullFloat64
	VirtualMedian sql.NullFloat64
	VirtualMean   sql.NullFloat64
	StartedAt     time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate results store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) BeginRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, profile, meter_mode, descriptor, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Profile, run.MeterMode, run.Descriptor, run.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID, status string, finished time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, finished.UnixNano(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return expectOne(res, runID)
}

func (s *Store) RecordIdle(ctx context.Context, runID string, idle *descriptor.Idle) error {
	var physical, virtual *descriptor.PowerStats
	if idle.Stats != nil {
		physical = idle.Stats.PowerStats
	}
	virtual = idle.Virtual
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET idle_median = ?, idle_mean = ?, idle_virtual_median = ?, idle_virtual_mean = ? WHERE id = ?`,
		median(physical), mean(physical), median(virtual), mean(virtual), runID,
	)
	if err != nil {
		return fmt.Errorf("record idle for %s: %w", runID, err)
	}
	return expectOne(res, runID)
}

// RecordStint stores a stint. Recording the same index twice replaces the
// earlier row.
func (s *Store) RecordStint(ctx context.Context, runID string, index int, stint *descriptor.Stint, started time.Time) error {
	var physical *descriptor.PowerStats
	var goodput, losses sql.NullFloat64
	if stint.Stats != nil {
		physical = stint.Stats.PowerStats
		if stint.Stats.GP != nil {
			goodput = sql.NullFloat64{Float64: *stint.Stats.GP / 1e6, Valid: true}
		}
		if stint.Stats.Losses != nil {
			losses = sql.NullFloat64{Float64: *stint.Stats.Losses, Valid: true}
		}
	}
	var ci sql.NullFloat64
	if physical != nil {
		ci = sql.NullFloat64{Float64: physical.CI, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO stints (
			run_id, idx, src, dst, bitrate_mbps, goodput_mbps, packetsize_bytes,
			losses, median, mean, ci, virtual_median, virtual_mean, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, index, stint.Src, stint.Dst, stint.BitrateMbps, goodput, stint.PacketSize,
		losses, median(physical), mean(physical), ci, median(stint.Virtual), mean(stint.Virtual),
		started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record stint %d of %s: %w", index, runID, err)
	}
	return nil
}

// ImportDescriptor stores every profiled stint of an already completed
// descriptor under a new run.
func (s *Store) ImportDescriptor(ctx context.Context, run Run, d *descriptor.Descriptor) (int, error) {
	if err := s.BeginRun(ctx, run); err != nil {
		return 0, err
	}
	if d.Idle != nil {
		if err := s.RecordIdle(ctx, run.ID, d.Idle); err != nil {
			return 0, err
		}
	}
	n := 0
	for i, stint := range d.Stints {
		if stint.Stats == nil && stint.Virtual == nil {
			continue
		}
		if err := s.RecordStint(ctx, run.ID, i, stint, run.StartedAt); err != nil {
			return n, err
		}
		n++
	}
	return n, s.FinishRun(ctx, run.ID, "imported", run.StartedAt)
}

func (s *Store) Stints(ctx context.Context, runID string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, src, dst, bitrate_mbps, goodput_mbps, packetsize_bytes,
			losses, median, mean, ci, virtual_median, virtual_mean, started_at
		FROM stints WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stints of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var started int64
		if err := rows.Scan(&r.RunID, &r.Index, &r.Src, &r.Dst, &r.BitrateMbps, &r.GoodputMbps, &r.PacketSize,
			&r.Losses, &r.Median, &r.Mean, &r.CI, &r.VirtualMedian, &r.VirtualMean, &started); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxGoodput returns, per packet size, the highest goodput in Mb/s observed
// on the src to dst link across all runs. These are the x_max values of a
// fitted model.
func (s *Store) MaxGoodput(ctx context.Context, src, dst string) (map[int]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT packetsize_bytes, MAX(goodput_mbps) FROM stints
		WHERE src = ? AND dst = ? AND goodput_mbps IS NOT NULL
		GROUP BY packetsize_bytes`, src, dst)
	if err != nil {
		return nil, fmt.Errorf("query max goodput %s->%s: %w", src, dst, err)
	}
	defer rows.Close()

	out := make(map[int]float64)
	for rows.Next() {
		var size int
		var gp float64
		if err := rows.Scan(&size, &gp); err != nil {
			return nil, err
		}
		out[size] = gp
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

func median(p *descriptor.PowerStats) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Median, Valid: true}
}

func mean(p *descriptor.PowerStats) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Mean, Valid: true}
}
