package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxConn is the part of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	conn pgxConn
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.MaxConns = 10
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = "claimflow"

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{conn: pool, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS job_records (
			invocation_id    TEXT NOT NULL,
			file_name        TEXT NOT NULL,
			file_path        TEXT NOT NULL DEFAULT '',
			invocation_arn   TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'STARTED',
			inference_result JSONB,
			blueprint_name   TEXT,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			published_at     TIMESTAMPTZ,
			PRIMARY KEY (invocation_id, file_name)
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_status ON job_records(status);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	if err := r.Key().Validate(); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}
	now := r.CreatedAt.UTC()
	if r.CreatedAt.IsZero() {
		now = time.Now().UTC()
	}
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO job_records
			(invocation_id, file_name, file_path, invocation_arn, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (invocation_id, file_name) DO NOTHING
	`, r.InvocationID, r.FileName, r.FilePath, r.InvocationARN, string(StatusStarted), now)
	if err != nil {
		return fmt.Errorf("create job record %s/%s: %w", r.InvocationID, r.FileName, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	r.Status = StatusStarted
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, k Key) (*Record, error) {
	r := &Record{}
	var status string
	var result *string
	err := s.conn.QueryRow(ctx, `
		SELECT invocation_id, file_name, file_path, invocation_arn, status,
		       inference_result::text, blueprint_name, created_at, updated_at, published_at
		FROM job_records WHERE invocation_id = $1 AND file_name = $2
	`, k.InvocationID, k.FileName).Scan(
		&r.InvocationID, &r.FileName, &r.FilePath, &r.InvocationARN, &status,
		&result, &r.BlueprintName, &r.CreatedAt, &r.UpdatedAt, &r.PublishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	r.Status = Status(status)
	if result != nil {
		r.InferenceResult = []byte(*result)
	}
	return r, nil
}

func (s *PostgresStore) UpdateIfStarted(ctx context.Context, k Key, c Completion) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE job_records
		SET status = $1, inference_result = $2::jsonb, blueprint_name = $3, updated_at = $4
		WHERE invocation_id = $5 AND file_name = $6 AND status = $7
	`, string(c.Status), nullableJSON(c.InferenceResult), c.blueprint(), time.Now().UTC(),
		k.InvocationID, k.FileName, string(StatusStarted))
	if err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.Get(ctx, k)
	if err != nil {
		return err
	}
	return classifyRejected(existing, c)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, k Key, at time.Time) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE job_records SET published_at = $1
		WHERE invocation_id = $2 AND file_name = $3 AND published_at IS NULL
	`, at.UTC(), k.InvocationID, k.FileName)
	if err != nil {
		return fmt.Errorf("mark published %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.Get(ctx, k)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	return ErrAlreadyPublished
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
