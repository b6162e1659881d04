package job

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// fakePgx answers Exec with a fixed command tag and every QueryRow with row.
type fakePgx struct {
	tag     string
	execErr error
	row     pgx.Row
	sql     []string
}

func (f *fakePgx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakePgx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.sql = append(f.sql, sql)
	return f.row
}

func TestPostgresCreate(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want error
	}{
		{"inserted", "INSERT 0 1", nil},
		{"conflict", "INSERT 0 0", ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakePgx{tag: tt.tag}
			store := &PostgresStore{conn: fake}
			err := store.Create(context.Background(), makeRecord("abc123", "claims/receipt42.png"))
			if !errors.Is(err, tt.want) {
				t.Errorf("Create = %v, want %v", err, tt.want)
			}
			if !strings.Contains(fake.sql[0], "ON CONFLICT (invocation_id, file_name) DO NOTHING") {
				t.Errorf("insert is not conflict-guarded: %s", fake.sql[0])
			}
		})
	}
}

func TestPostgresGet_NoRows(t *testing.T) {
	store := &PostgresStore{conn: &fakePgx{row: errRow{err: pgx.ErrNoRows}}}
	got, err := store.Get(context.Background(), Key{InvocationID: "abc123", FileName: "x"})
	if err != nil || got != nil {
		t.Errorf("Get = %+v, %v, want nil, nil", got, err)
	}
}

func TestPostgresUpdateIfStarted_Guarded(t *testing.T) {
	fake := &fakePgx{tag: "UPDATE 1"}
	store := &PostgresStore{conn: fake}
	if err := store.UpdateIfStarted(context.Background(), Key{InvocationID: "abc123", FileName: "x"}, receiptCompletion()); err != nil {
		t.Fatalf("UpdateIfStarted: %v", err)
	}
	if !strings.Contains(fake.sql[0], "AND status = $7") {
		t.Errorf("update is not guarded on status: %s", fake.sql[0])
	}
}

func TestPostgresUpdateIfStarted_MissIsNotFound(t *testing.T) {
	store := &PostgresStore{conn: &fakePgx{tag: "UPDATE 0", row: errRow{err: pgx.ErrNoRows}}}
	err := store.UpdateIfStarted(context.Background(), Key{InvocationID: "abc123", FileName: "x"}, receiptCompletion())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateIfStarted = %v, want ErrNotFound", err)
	}
}

func TestPostgresMarkPublished(t *testing.T) {
	store := &PostgresStore{conn: &fakePgx{tag: "UPDATE 0", row: errRow{err: pgx.ErrNoRows}}}
	err := store.MarkPublished(context.Background(), Key{InvocationID: "abc123", FileName: "x"}, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkPublished = %v, want ErrNotFound", err)
	}

	store = &PostgresStore{conn: &fakePgx{tag: "UPDATE 1"}}
	if err := store.MarkPublished(context.Background(), Key{InvocationID: "abc123", FileName: "x"}, time.Now()); err != nil {
		t.Errorf("MarkPublished = %v, want nil", err)
	}
}

func TestPostgres_ExecError(t *testing.T) {
	boom := errors.New("connection refused")
	store := &PostgresStore{conn: &fakePgx{execErr: boom}}
	ctx := context.Background()
	if err := store.Create(ctx, makeRecord("abc123", "x")); !errors.Is(err, boom) {
		t.Errorf("Create = %v, want wrapped %v", err, boom)
	}
	if err := store.UpdateIfStarted(ctx, Key{InvocationID: "abc123", FileName: "x"}, receiptCompletion()); !errors.Is(err, boom) {
		t.Errorf("UpdateIfStarted = %v, want wrapped %v", err, boom)
	}
}
