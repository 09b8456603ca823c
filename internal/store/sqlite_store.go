package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Popie52/notifyqueue/internal/model"
)

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_jobs (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	notification TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	next_run_at  INTEGER NOT NULL,
	state        TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	lease        TEXT NOT NULL DEFAULT '',
	worker       TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_notification_jobs_state ON notification_jobs(state);
`,
	},
}

// sqliteRow stores timestamps as unix nanoseconds.
type sqliteRow struct {
	ID           string `db:"id"`
	Seq          int64  `db:"seq"`
	Notification string `db:"notification"`
	Attempts     int    `db:"attempts"`
	MaxAttempts  int    `db:"max_attempts"`
	NextRunAt    int64  `db:"next_run_at"`
	State        string `db:"state"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
	Lease        string `db:"lease"`
	Worker       string `db:"worker"`
	LastError    string `db:"last_error"`
}

// SQLiteJobStore keeps job records in a local SQLite database.
type SQLiteJobStore struct {
	db *sqlx.DB
}

var _ JobStore = (*SQLiteJobStore)(nil)

// NewSQLiteJobStore opens (or creates) the database at path, enables WAL mode
// and applies pending migrations. ":memory:" is accepted for tests.
func NewSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteJobStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteJobStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

func (s *SQLiteJobStore) Save(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job.Notification)
	if err != nil {
		return err
	}

	row := sqliteRow{
		ID:           string(job.ID),
		Seq:          int64(job.Seq),
		Notification: string(payload),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		NextRunAt:    job.NextRunAt.UnixNano(),
		State:        string(job.State),
		CreatedAt:    job.CreatedAt.UnixNano(),
		UpdatedAt:    job.UpdatedAt.UnixNano(),
		Lease:        job.Lease,
		Worker:       job.Worker,
		LastError:    job.LastError,
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO notification_jobs (
			id, seq, notification, attempts, max_attempts, next_run_at,
			state, created_at, updated_at, lease, worker, last_error
		) VALUES (
			:id, :seq, :notification, :attempts, :max_attempts, :next_run_at,
			:state, :created_at, :updated_at, :lease, :worker, :last_error
		)
		ON CONFLICT(id) DO UPDATE SET
			attempts     = excluded.attempts,
			max_attempts = excluded.max_attempts,
			next_run_at  = excluded.next_run_at,
			state        = excluded.state,
			updated_at   = excluded.updated_at,
			lease        = excluded.lease,
			worker       = excluded.worker,
			last_error   = excluded.last_error
	`, row)
	return err
}

func (s *SQLiteJobStore) Remove(ctx context.Context, id model.JobID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM notification_jobs WHERE id = ?", string(id))
	return err
}

func (s *SQLiteJobStore) Load(ctx context.Context) ([]*model.Job, error) {
	var rows []sqliteRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM notification_jobs ORDER BY seq"); err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(rows))
	for _, r := range rows {
		j := &model.Job{
			ID:          model.JobID(r.ID),
			Seq:         uint64(r.Seq),
			Attempts:    r.Attempts,
			MaxAttempts: r.MaxAttempts,
			NextRunAt:   time.Unix(0, r.NextRunAt),
			State:       model.State(r.State),
			CreatedAt:   time.Unix(0, r.CreatedAt),
			UpdatedAt:   time.Unix(0, r.UpdatedAt),
			Lease:       r.Lease,
			Worker:      r.Worker,
			LastError:   r.LastError,
		}
		if err := json.Unmarshal([]byte(r.Notification), &j.Notification); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", r.ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}
