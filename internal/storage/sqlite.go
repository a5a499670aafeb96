//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"finsched/internal/registry"
	logx "finsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
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

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

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

func (s *sqliteStore) SaveJobDefinition(ctx context.Context, def registry.JobDefinition) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	p := toPersistedJob(def)
	deps, _ := json.Marshal(p.DependsOn)
	kinds, _ := json.Marshal(p.RetryKinds)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_definitions(id, version, schedule, depends_on, timeout_ms, body_kind, body_ref,
		                             max_attempts, backoff, base_ms, multiplier, max_delay_ms, jitter, retry_kinds, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		     version=excluded.version, schedule=excluded.schedule, depends_on=excluded.depends_on,
		     timeout_ms=excluded.timeout_ms, body_kind=excluded.body_kind, body_ref=excluded.body_ref,
		     max_attempts=excluded.max_attempts, backoff=excluded.backoff, base_ms=excluded.base_ms,
		     multiplier=excluded.multiplier, max_delay_ms=excluded.max_delay_ms, jitter=excluded.jitter,
		     retry_kinds=excluded.retry_kinds, created_at=excluded.created_at`,
		p.ID, p.Version, p.Schedule, string(deps), p.TimeoutMS, p.BodyKind, nullStr(p.BodyRef),
		p.MaxAttempts, p.Backoff, p.BaseMS, p.Multiplier, p.MaxDelayMS, p.Jitter, string(kinds), p.CreatedAtRFC,
	)
	return err
}

func (s *sqliteStore) DeleteJobDefinition(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_definitions WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadJobDefinitions(ctx context.Context) ([]registry.JobDefinition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, schedule, depends_on, timeout_ms, body_kind, body_ref,
		        max_attempts, backoff, base_ms, multiplier, max_delay_ms, jitter, retry_kinds, created_at
		 FROM job_definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.JobDefinition
	for rows.Next() {
		var p persistedJob
		var deps, kinds, bodyRef sql.NullString
		if err := rows.Scan(&p.ID, &p.Version, &p.Schedule, &deps, &p.TimeoutMS, &p.BodyKind, &bodyRef,
			&p.MaxAttempts, &p.Backoff, &p.BaseMS, &p.Multiplier, &p.MaxDelayMS, &p.Jitter, &kinds, &p.CreatedAtRFC); err != nil {
			return nil, err
		}
		p.BodyRef = bodyRef.String
		if deps.Valid && deps.String != "" {
			_ = json.Unmarshal([]byte(deps.String), &p.DependsOn)
		}
		if kinds.Valid && kinds.String != "" {
			_ = json.Unmarshal([]byte(kinds.String), &p.RetryKinds)
		}
		def, err := fromPersistedJob(p)
		if err != nil {
			s.log.Warn("skipping bad persisted job", logx.String("id", p.ID), logx.Any("err", err))
			continue
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRunRecord(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records(run_id, job_id, fire_time, attempt, started_at, ended_at, outcome, error_kind, err, degraded)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.JobID, rec.FireTime.UTC().Format(time.RFC3339Nano), rec.Attempt,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.EndedAt.UTC().Format(time.RFC3339Nano),
		string(rec.Outcome), nullStr(rec.ErrorKind), nullStr(rec.Error), degraded,
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = s.PruneRunRecords(pctx, time.Now().Add(-s.retention))
		cancel()
	}
	return err
}

func (s *sqliteStore) LoadRunHistory(ctx context.Context, jobID string, window time.Duration) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	cutoff := ""
	if window > 0 {
		cutoff = time.Now().Add(-window).UTC().Format(time.RFC3339Nano)
	}

	q := `SELECT run_id, job_id, fire_time, attempt, started_at, ended_at, outcome, error_kind, err, degraded
	      FROM run_records WHERE 1=1`
	args := []any{}
	if jobID != "" {
		q += ` AND job_id = ?`
		args = append(args, jobID)
	}
	if cutoff != "" {
		q += ` AND started_at >= ?`
		args = append(args, cutoff)
	}
	q += ` ORDER BY started_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var fire, started, ended string
		var errKind, errStr sql.NullString
		var degraded int
		if err := rows.Scan(&r.RunID, &r.JobID, &fire, &r.Attempt, &started, &ended, &r.Outcome, &errKind, &errStr, &degraded); err != nil {
			return nil, err
		}
		r.FireTime, _ = time.Parse(time.RFC3339Nano, fire)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		r.ErrorKind = errKind.String
		r.Error = errStr.String
		r.Degraded = degraded != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRunRecords(ctx context.Context, before time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_records WHERE started_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
