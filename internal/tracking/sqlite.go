package tracking

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

	logx "summaryd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration
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

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention}

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

// MarkScheduled inserts the record iff no row exists for (user_id, date).
// ON CONFLICT DO NOTHING keeps the write atomic; the read below only serves
// to report the winning record back to the caller.
func (s *sqliteStore) MarkScheduled(ctx context.Context, rec Record) (MarkResult, Record, error) {
	if rec.UserID == "" || rec.Date == "" {
		return MarkCreated, Record{}, errors.New("user_id and date are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(s.retention)
	}
	rec.Status = StatusScheduled

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summary_tracking(user_id, date, job_id, status, created_at, expires_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, date) DO NOTHING`,
		rec.UserID, rec.Date, rec.JobID, string(rec.Status),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return MarkCreated, Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return MarkCreated, Record{}, err
	}
	if n > 0 {
		return MarkCreated, rec, nil
	}

	existing, err := s.get(ctx, rec.UserID, rec.Date)
	if err != nil {
		return MarkAlreadyExists, Record{}, err
	}
	return MarkAlreadyExists, existing, nil
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, userID, date, meta string) error {
	return s.finish(ctx, userID, date, StatusCompleted, meta, "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, userID, date, errMsg string) error {
	return s.finish(ctx, userID, date, StatusFailed, "", errMsg)
}

// finish transitions scheduled -> terminal. The status guard in the WHERE
// clause makes the transition conditional: terminal records are never
// rewritten, and a missing scheduled record surfaces as ErrNotScheduled.
func (s *sqliteStore) finish(ctx context.Context, userID, date string, st Status, meta, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE summary_tracking
		 SET status = ?, completed_at = ?, meta = ?, error = ?
		 WHERE user_id = ? AND date = ? AND status = ?`,
		string(st), time.Now().UTC().Format(time.RFC3339Nano), nullStr(meta), nullStr(errMsg),
		userID, date, string(StatusScheduled),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user=%s date=%s", ErrNotScheduled, userID, date)
	}
	return nil
}

func (s *sqliteStore) RecordsForDate(ctx context.Context, date string) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, date, job_id, status, created_at, expires_at, completed_at, meta, error
		 FROM summary_tracking WHERE date = ?`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.UserID] = rec
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM summary_tracking WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) get(ctx context.Context, userID, date string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, date, job_id, status, created_at, expires_at, completed_at, meta, error
		 FROM summary_tracking WHERE user_id = ? AND date = ?`, userID, date)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		status      string
		createdAt   string
		expiresAt   int64
		completedAt sql.NullString
		meta        sql.NullString
		errMsg      sql.NullString
	)
	err := row.Scan(&rec.UserID, &rec.Date, &rec.JobID, &status,
		&createdAt, &expiresAt, &completedAt, &meta, &errMsg)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			rec.CompletedAt = t
		}
	}
	rec.Meta = meta.String
	rec.Error = errMsg.String
	return rec, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
