package pipeline

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS archive_runs (
	id            BIGSERIAL PRIMARY KEY,
	run_id        TEXT        NOT NULL,
	run_date      DATE        NOT NULL,
	bucket        TEXT        NOT NULL,
	source_prefix TEXT        NOT NULL,
	archive_key   TEXT        NOT NULL DEFAULT '',
	outcome       TEXT        NOT NULL,
	objects       INTEGER     NOT NULL DEFAULT 0,
	bytes_written BIGINT      NOT NULL DEFAULT 0,
	deleted       INTEGER     NOT NULL DEFAULT 0,
	error_message TEXT        NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS archive_runs_run_date_idx ON archive_runs (run_date);
`

// RunRecord is one row of run history.
type RunRecord struct {
	ID           int64     `db:"id"`
	RunID        string    `db:"run_id"`
	Date         time.Time `db:"run_date"`
	Bucket       string    `db:"bucket"`
	SourcePrefix string    `db:"source_prefix"`
	ArchiveKey   string    `db:"archive_key"`
	Outcome      Outcome   `db:"outcome"`
	Objects      int       `db:"objects"`
	BytesWritten int64     `db:"bytes_written"`
	Deleted      int       `db:"deleted"`
	ErrorMessage string    `db:"error_message"`
	StartedAt    time.Time `db:"started_at"`
	FinishedAt   time.Time `db:"finished_at"`
}

// Repository stores run history in Postgres.
type Repository struct {
	db     *sqlx.DB
	bucket string
}

// OpenRepository connects to databaseURL with the pgx driver and makes sure
// the history table exists.
func OpenRepository(ctx context.Context, databaseURL, bucket string) (*Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	repo := NewRepository(db, bucket)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewRepository creates a Repository over an open connection pool.
func NewRepository(db *sqlx.DB, bucket string) *Repository {
	return &Repository{db: db, bucket: bucket}
}

// EnsureSchema creates the history table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create archive_runs table: %w", err)
	}
	return nil
}

// RecordRun inserts the outcome of a run.
func (r *Repository) RecordRun(ctx context.Context, res Result, runErr error) error {
	rec := newRunRecord(res, runErr, r.bucket)

	query := `
		INSERT INTO archive_runs (
			run_id, run_date, bucket, source_prefix, archive_key, outcome,
			objects, bytes_written, deleted, error_message, started_at, finished_at
		) VALUES (
			:run_id, :run_date, :bucket, :source_prefix, :archive_key, :outcome,
			:objects, :bytes_written, :deleted, :error_message, :started_at, :finished_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to insert archive run: %w", err)
	}
	return nil
}

// RunsForDate returns the recorded runs for date, newest first.
func (r *Repository) RunsForDate(ctx context.Context, date time.Time) ([]RunRecord, error) {
	query := `
		SELECT id, run_id, run_date, bucket, source_prefix, archive_key, outcome,
		       objects, bytes_written, deleted, error_message, started_at, finished_at
		FROM archive_runs
		WHERE run_date = $1
		ORDER BY started_at DESC
	`

	var runs []RunRecord
	if err := r.db.SelectContext(ctx, &runs, query, ArchiveBaseName(date)); err != nil {
		return nil, fmt.Errorf("failed to query archive runs: %w", err)
	}
	return runs, nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

func newRunRecord(res Result, runErr error, bucket string) RunRecord {
	rec := RunRecord{
		RunID:        res.Job.RunID,
		Date:         res.Job.Date,
		Bucket:       bucket,
		SourcePrefix: res.Job.SourcePrefix,
		ArchiveKey:   res.ArchiveKey,
		Outcome:      res.Outcome,
		Objects:      len(res.Job.Objects),
		BytesWritten: res.BytesWritten,
		Deleted:      len(res.Deleted),
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	if runErr != nil {
		rec.ErrorMessage = runErr.Error()
	}
	return rec
}

var _ Recorder = (*Repository)(nil)
