package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"

	"github.com/Popie52/notifyqueue/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS notification_jobs (
	id           TEXT PRIMARY KEY,
	seq          BIGINT NOT NULL,
	notification JSONB NOT NULL,
	attempts     INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	next_run_at  TIMESTAMPTZ NOT NULL,
	state        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	lease        TEXT NOT NULL DEFAULT '',
	worker       TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_notification_jobs_state ON notification_jobs(state);
`

type PostgresJobStore struct {
	db *sql.DB
}

var _ JobStore = (*PostgresJobStore)(nil)

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

// OpenPostgres opens a pool with the given database/sql driver ("postgres" for
// lib/pq, "pgx" for pgx's stdlib adapter), waits for the server to answer and
// applies the schema.
func OpenPostgres(ctx context.Context, driver, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	b := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := NewPostgresJobStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Save(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job.Notification)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_jobs (
			id,
			seq,
			notification,
			attempts,
			max_attempts,
			next_run_at,
			state,
			created_at,
			updated_at,
			lease,
			worker,
			last_error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			attempts     = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			next_run_at  = EXCLUDED.next_run_at,
			state        = EXCLUDED.state,
			updated_at   = EXCLUDED.updated_at,
			lease        = EXCLUDED.lease,
			worker       = EXCLUDED.worker,
			last_error   = EXCLUDED.last_error
	`,
		string(job.ID),
		int64(job.Seq),
		payload,
		job.Attempts,
		job.MaxAttempts,
		job.NextRunAt,
		string(job.State),
		job.CreatedAt,
		job.UpdatedAt,
		job.Lease,
		job.Worker,
		job.LastError,
	)

	return err
}

func (s *PostgresJobStore) Remove(ctx context.Context, id model.JobID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_jobs
		WHERE id = $1
	`, string(id))
	return err
}

func (s *PostgresJobStore) Load(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id,
			seq,
			notification,
			attempts,
			max_attempts,
			next_run_at,
			state,
			created_at,
			updated_at,
			lease,
			worker,
			last_error
		FROM notification_jobs
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job

	for rows.Next() {
		var (
			j       model.Job
			id      string
			seq     int64
			state   string
			payload []byte
		)

		if err := rows.Scan(
			&id,
			&seq,
			&payload,
			&j.Attempts,
			&j.MaxAttempts,
			&j.NextRunAt,
			&state,
			&j.CreatedAt,
			&j.UpdatedAt,
			&j.Lease,
			&j.Worker,
			&j.LastError,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(payload, &j.Notification); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", id, err)
		}
		j.ID = model.JobID(id)
		j.Seq = uint64(seq)
		j.State = model.State(state)

		jobs = append(jobs, &j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}
