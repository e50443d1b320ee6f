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

	logx "github.com/chjohnst/Tron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int
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

	st := &sqliteStore{db: db, log: log, keep: cfg.keepRuns()}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
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

func (s *sqliteStore) SaveJob(ctx context.Context, rec JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Name == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, enabled, next_number, anchor) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET enabled=excluded.enabled, next_number=excluded.next_number, anchor=excluded.anchor`,
		rec.Name, boolInt(rec.Enabled), rec.NextNumber, fmtTime(rec.Anchor),
	)
	return err
}

func (s *sqliteStore) SaveRun(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Job == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(job, number, state, run_time, anchor, start, end_time, node, graph_hash)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job, number) DO UPDATE SET
		   state=excluded.state, run_time=excluded.run_time, anchor=excluded.anchor,
		   start=excluded.start, end_time=excluded.end_time, node=excluded.node, graph_hash=excluded.graph_hash`,
		rec.Job, rec.Number, rec.State, fmtTime(rec.RunTime), fmtTime(rec.Anchor),
		fmtTime(rec.Start), fmtTime(rec.End), nullStr(rec.Node), nullStr(rec.GraphHash),
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM runs WHERE job = ? AND number NOT IN
		   (SELECT number FROM runs WHERE job = ? ORDER BY number DESC LIMIT ?)`,
		rec.Job, rec.Job, s.keep,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteJob(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE job = ?`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrDisabled
	}
	out := newState()

	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, next_number, anchor FROM jobs`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			rec     JobRecord
			enabled int
			anchor  sql.NullString
		)
		if err := rows.Scan(&rec.Name, &enabled, &rec.NextNumber, &anchor); err != nil {
			_ = rows.Close()
			return State{}, err
		}
		rec.Enabled = enabled != 0
		rec.Anchor = parseTime(anchor)
		out.Jobs[rec.Name] = rec
	}
	if err := closeRows(rows); err != nil {
		return State{}, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT job, number, state, run_time, anchor, start, end_time, node, graph_hash
		 FROM runs ORDER BY job, number`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			rec                             RunRecord
			runTime                         string
			anchor, start, end, node, graph sql.NullString
		)
		if err := rows.Scan(&rec.Job, &rec.Number, &rec.State, &runTime, &anchor, &start, &end, &node, &graph); err != nil {
			_ = rows.Close()
			return State{}, err
		}
		rec.RunTime = parseTime(sql.NullString{String: runTime, Valid: true})
		rec.Anchor = parseTime(anchor)
		rec.Start = parseTime(start)
		rec.End = parseTime(end)
		rec.Node = node.String
		rec.GraphHash = graph.String
		out.Runs[rec.Job] = append(out.Runs[rec.Job], rec)
	}
	if err := closeRows(rows); err != nil {
		return State{}, err
	}
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, target, ok, detail) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Action, nullStr(e.Target), boolInt(e.OK), nullStr(e.Detail),
	)
	return err
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
