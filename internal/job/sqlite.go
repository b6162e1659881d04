package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Applied per connection so every pooled connection waits for the write lock
	// instead of failing with SQLITE_BUSY.
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dbPath+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_records (
			invocation_id    TEXT NOT NULL,
			file_name        TEXT NOT NULL,
			file_path        TEXT NOT NULL DEFAULT '',
			invocation_arn   TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'STARTED',
			inference_result TEXT,
			blueprint_name   TEXT,
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,
			published_at     DATETIME,
			PRIMARY KEY (invocation_id, file_name)
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_status ON job_records(status);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, r *Record) error {
	if err := r.Key().Validate(); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}
	now := r.CreatedAt.UTC()
	if r.CreatedAt.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records
			(invocation_id, file_name, file_path, invocation_arn, status, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invocation_id, file_name) DO NOTHING
	`,
		r.InvocationID,
		r.FileName,
		r.FilePath,
		r.InvocationARN,
		StatusStarted,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("create job record %s/%s: %w", r.InvocationID, r.FileName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job record %s/%s: %w", r.InvocationID, r.FileName, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	r.Status = StatusStarted
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, k Key) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT invocation_id, file_name, file_path, invocation_arn, status,
		       inference_result, blueprint_name, created_at, updated_at, published_at
		FROM job_records WHERE invocation_id = ? AND file_name = ?
	`, k.InvocationID, k.FileName)

	r := &Record{}
	var result, blueprint sql.NullString
	var publishedAt sql.NullTime

	err := row.Scan(
		&r.InvocationID, &r.FileName, &r.FilePath, &r.InvocationARN, &r.Status,
		&result, &blueprint, &r.CreatedAt, &r.UpdatedAt, &publishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}

	if result.Valid {
		r.InferenceResult = []byte(result.String)
	}
	if blueprint.Valid {
		name := blueprint.String
		r.BlueprintName = &name
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		r.PublishedAt = &t
	}
	return r, nil
}

func (s *SQLiteStore) UpdateIfStarted(ctx context.Context, k Key, c Completion) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_records
		SET status = ?, inference_result = ?, blueprint_name = ?, updated_at = ?
		WHERE invocation_id = ? AND file_name = ? AND status = ?
	`, c.Status, nullableJSON(c.InferenceResult), c.blueprint(), time.Now().UTC(),
		k.InvocationID, k.FileName, StatusStarted)
	if err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	if n == 1 {
		return nil
	}

	existing, err := s.Get(ctx, k)
	if err != nil {
		return err
	}
	return classifyRejected(existing, c)
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, k Key, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_records SET published_at = ?
		WHERE invocation_id = ? AND file_name = ? AND published_at IS NULL
	`, at.UTC(), k.InvocationID, k.FileName)
	if err != nil {
		return fmt.Errorf("mark published %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark published %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	if n == 1 {
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

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
