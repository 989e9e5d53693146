package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fileconv/models"

	_ "github.com/lib/pq"
)

// DatabaseService mirrors terminal job outcomes into Postgres for reporting.
// Redis stays the source of truth while a job is live.
type DatabaseService struct {
	db *sql.DB
}

const createConversionJobs = `CREATE TABLE IF NOT EXISTS conversion_jobs (
	job_id        TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	source_format TEXT NOT NULL,
	target_format TEXT NOT NULL,
	source_size   BIGINT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	result_url    TEXT,
	result_size   BIGINT,
	error_code    TEXT,
	error_message TEXT,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
)`

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// NewDatabaseServiceFromDB wraps an existing handle.
func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db}
}

func (d *DatabaseService) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, createConversionJobs)
	return err
}

// RecordOutcome upserts the terminal state of a job.
func (d *DatabaseService) RecordOutcome(ctx context.Context, job *models.ConversionJob, result *models.ConversionResult) error {
	var metadata []byte
	if result.Payload != nil {
		metadata, _ = json.Marshal(result.Payload)
	}

	query := `INSERT INTO conversion_jobs (
		job_id, user_id, source_format, target_format, source_size, status, attempts,
		result_url, result_size, error_code, error_message, metadata,
		created_at, started_at, completed_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (job_id) DO UPDATE SET
		status = EXCLUDED.status,
		attempts = EXCLUDED.attempts,
		result_url = EXCLUDED.result_url,
		result_size = EXCLUDED.result_size,
		error_code = EXCLUDED.error_code,
		error_message = EXCLUDED.error_message,
		metadata = EXCLUDED.metadata,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		updated_at = EXCLUDED.updated_at`

	_, err := d.db.ExecContext(ctx, query,
		job.JobID, job.UserID, job.SourceFormat, job.TargetFormat, job.SourceSize,
		string(result.Status), job.Attempts,
		nullString(result.ResultURL), nullInt(result.ResultSize),
		nullString(string(result.ErrorCode)), nullString(result.Error), nullBytes(metadata),
		job.CreatedAt, job.StartedAt, result.CompletedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", job.JobID, err)
	}
	return nil
}

// DeleteBefore drops archived rows completed before cutoff.
func (d *DatabaseService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM conversion_jobs WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
