package job

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeRecord(invocationID, fileName string) *Record {
	return &Record{
		InvocationID:  invocationID,
		FileName:      fileName,
		FilePath:      "s3://claims-ingest/" + fileName,
		InvocationARN: "arn:aws:bedrock:us-east-1:123456789012:data-automation-invocation/" + invocationID,
		CreatedAt:     time.Now().UTC(),
	}
}

func receiptCompletion() Completion {
	return Completion{
		Status:          StatusCompleted,
		InferenceResult: json.RawMessage(`{"TOTAL":42.50}`),
		BlueprintName:   "Receipt",
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, r.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want record")
	}
	if got.Status != StatusStarted {
		t.Errorf("Status = %q, want %q", got.Status, StatusStarted)
	}
	if got.FilePath != r.FilePath {
		t.Errorf("FilePath = %q, want %q", got.FilePath, r.FilePath)
	}
	if got.InvocationARN != r.InvocationARN {
		t.Errorf("InvocationARN = %q, want %q", got.InvocationARN, r.InvocationARN)
	}
	if got.InferenceResult != nil || got.BlueprintName != nil {
		t.Errorf("started record carries result %s / blueprint %v", got.InferenceResult, got.BlueprintName)
	}
	if got.PublishedAt != nil {
		t.Error("PublishedAt should be nil for a new record")
	}
}

func TestCreate_AlreadyExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateIfStarted(ctx, r.Key(), receiptCompletion()); err != nil {
		t.Fatalf("UpdateIfStarted: %v", err)
	}

	err := store.Create(ctx, makeRecord("abc123", "claims/receipt42.png"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create = %v, want ErrAlreadyExists", err)
	}

	// The existing record is untouched.
	got, _ := store.Get(ctx, r.Key())
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q after duplicate create, want %q", got.Status, StatusCompleted)
	}
}

func TestCreate_SameInvocationDifferentFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Create(ctx, makeRecord("abc123", "claims/a.png")); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := store.Create(ctx, makeRecord("abc123", "claims/b.png")); err != nil {
		t.Fatalf("Create b: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.Get(ctx, Key{InvocationID: "nonexistent", FileName: "x"})
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %+v, want nil", got)
	}
}

func TestUpdateIfStarted_Completed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateIfStarted(ctx, r.Key(), receiptCompletion()); err != nil {
		t.Fatalf("UpdateIfStarted: %v", err)
	}

	got, err := store.Get(ctx, r.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if !sameJSON(got.InferenceResult, json.RawMessage(`{"TOTAL":42.5}`)) {
		t.Errorf("InferenceResult = %s, want {\"TOTAL\":42.5}", got.InferenceResult)
	}
	if got.BlueprintName == nil || *got.BlueprintName != "Receipt" {
		t.Errorf("BlueprintName = %v, want Receipt", got.BlueprintName)
	}
}

func TestUpdateIfStarted_Failed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateIfStarted(ctx, r.Key(), Completion{Status: StatusFailed}); err != nil {
		t.Fatalf("UpdateIfStarted: %v", err)
	}

	got, _ := store.Get(ctx, r.Key())
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.InferenceResult != nil || got.BlueprintName != nil {
		t.Error("failed record must not carry a result")
	}
}

func TestUpdateIfStarted_Rejections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateIfStarted(ctx, r.Key(), receiptCompletion()); err != nil {
		t.Fatalf("first UpdateIfStarted: %v", err)
	}

	if err := store.UpdateIfStarted(ctx, r.Key(), receiptCompletion()); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("replayed completion = %v, want ErrAlreadyFinalized", err)
	}

	different := Completion{Status: StatusCompleted, InferenceResult: json.RawMessage(`{"TOTAL":1}`), BlueprintName: "Receipt"}
	if err := store.UpdateIfStarted(ctx, r.Key(), different); !errors.Is(err, ErrConflict) {
		t.Errorf("different completion = %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, r.Key())
	if !sameJSON(got.InferenceResult, receiptCompletion().InferenceResult) {
		t.Errorf("stored result overwritten: %s", got.InferenceResult)
	}

	missing := Key{InvocationID: "nope", FileName: "claims/receipt42.png"}
	if err := store.UpdateIfStarted(ctx, missing, receiptCompletion()); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent record = %v, want ErrNotFound", err)
	}
}

func TestUpdateIfStarted_InvalidCompletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.UpdateIfStarted(ctx, r.Key(), Completion{Status: StatusCompleted})
	if err == nil {
		t.Fatal("expected error for completion without result, got nil")
	}
	got, _ := store.Get(ctx, r.Key())
	if got.Status != StatusStarted {
		t.Errorf("Status = %q, want %q", got.Status, StatusStarted)
	}
}

func TestUpdateIfStarted_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = store.UpdateIfStarted(ctx, r.Key(), receiptCompletion())
		}()
	}
	wg.Wait()

	var updated, finalized int
	for _, err := range errs {
		switch {
		case err == nil:
			updated++
		case errors.Is(err, ErrAlreadyFinalized):
			finalized++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if updated != 1 || finalized != n-1 {
		t.Errorf("updated = %d, finalized = %d, want 1 and %d", updated, finalized, n-1)
	}
}

func TestMarkPublished(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("abc123", "claims/receipt42.png")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.MarkPublished(ctx, r.Key(), at); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	got, _ := store.Get(ctx, r.Key())
	if got.PublishedAt == nil || !got.PublishedAt.Equal(at) {
		t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, at)
	}

	if err := store.MarkPublished(ctx, r.Key(), at.Add(time.Minute)); !errors.Is(err, ErrAlreadyPublished) {
		t.Errorf("second MarkPublished = %v, want ErrAlreadyPublished", err)
	}
	if err := store.MarkPublished(ctx, Key{InvocationID: "nope", FileName: "x"}, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkPublished on absent record = %v, want ErrNotFound", err)
	}
}
