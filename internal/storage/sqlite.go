package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chronod/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) AppendRun(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Started.IsZero() {
		rec.Started = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, task, started_ms, duration_ms, attempts, status, err, payload)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.Task, rec.Started.UnixMilli(), rec.Duration.Milliseconds(),
		rec.Attempts, rec.Status, nullStr(rec.Error), nullStr(rec.Payload),
	)
	return err
}

func (s *sqliteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) TaskStats(ctx context.Context, since time.Time) ([]TaskStat, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task,
		        COUNT(*),
		        SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		        SUM(attempts - 1),
		        CAST(AVG(duration_ms) AS INTEGER),
		        MAX(started_ms)
		   FROM runs
		  WHERE started_ms >= ?
		  GROUP BY task
		  ORDER BY task`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskStat
	for rows.Next() {
		var st TaskStat
		var lastMS int64
		if err := rows.Scan(&st.Task, &st.Runs, &st.Failures, &st.Retries, &st.AvgDurationMS, &lastMS); err != nil {
			return nil, err
		}
		st.LastRun = time.UnixMilli(lastMS).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
