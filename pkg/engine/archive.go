package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive persists benchmark records to SQLite so history survives
// restarts, beyond the in-memory ring the manager keeps.
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS benchmarks (
	id              TEXT PRIMARY KEY,
	cluster_name    TEXT NOT NULL,
	rules           TEXT NOT NULL,
	cell_count      INTEGER NOT NULL,
	total_ns        INTEGER NOT NULL,
	generation_ns   TEXT NOT NULL,
	final_stats     TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_benchmarks_created_at ON benchmarks(created_at);
`

// OpenArchive opens (and if needed creates) the archive database.
func OpenArchive(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("archive pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Save inserts one benchmark record.
func (a *Archive) Save(ctx context.Context, rec BenchmarkRecord) error {
	genTimes, err := json.Marshal(rec.GenerationTimes)
	if err != nil {
		return fmt.Errorf("encode generation times: %w", err)
	}
	stats, err := json.Marshal(rec.FinalStats)
	if err != nil {
		return fmt.Errorf("encode final stats: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO benchmarks (id, cluster_name, rules, cell_count, total_ns, generation_ns, final_stats, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClusterName, rec.Rules, rec.CellCount,
		rec.TotalTime.Nanoseconds(), string(genTimes), string(stats), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert benchmark %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]BenchmarkRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, cluster_name, rules, cell_count, total_ns, generation_ns, final_stats, created_at
		FROM benchmarks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query benchmarks: %w", err)
	}
	defer rows.Close()

	var out []BenchmarkRecord
	for rows.Next() {
		var (
			rec       BenchmarkRecord
			totalNS   int64
			genTimes  string
			stats     string
			createdAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.ClusterName, &rec.Rules, &rec.CellCount,
			&totalNS, &genTimes, &stats, &createdAt); err != nil {
			return nil, fmt.Errorf("scan benchmark: %w", err)
		}
		rec.TotalTime = time.Duration(totalNS)
		rec.CreatedAt = createdAt
		if err := json.Unmarshal([]byte(genTimes), &rec.GenerationTimes); err != nil {
			return nil, fmt.Errorf("decode generation times for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(stats), &rec.FinalStats); err != nil {
			return nil, fmt.Errorf("decode final stats for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of archived records.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM benchmarks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count benchmarks: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (a *Archive) Close() error { return a.db.Close() }
