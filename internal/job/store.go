package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

var (
	ErrAlreadyExists    = errors.New("job record already exists")
	ErrNotFound         = errors.New("job record not found")
	ErrAlreadyFinalized = errors.New("job record already finalized")
	// ErrConflict means the record is terminal with a different outcome than the one offered.
	// The stored outcome is never overwritten.
	ErrConflict         = errors.New("job record finalized with a different outcome")
	ErrAlreadyPublished = errors.New("validation event already published")
)

// Store persists Job Records. Every conditional write is enforced by the
// storage engine so concurrent stage invocations cannot race past it.
type Store interface {
	// Create writes r with status STARTED, or returns ErrAlreadyExists.
	Create(ctx context.Context, r *Record) error
	// UpdateIfStarted applies c only while the record is still STARTED.
	UpdateIfStarted(ctx context.Context, k Key, c Completion) error
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, k Key) (*Record, error)
	// MarkPublished records that the validation event for k went out.
	MarkPublished(ctx context.Context, k Key, at time.Time) error
}

// classifyRejected explains why a guarded update matched nothing, given the
// record as it stands now.
func classifyRejected(existing *Record, c Completion) error {
	if existing == nil {
		return ErrNotFound
	}
	if !existing.Status.IsTerminal() {
		// The guard only rejects terminal records; a STARTED record here means
		// it was reset underneath us.
		return ErrConflict
	}
	if existing.Status != c.Status {
		return ErrConflict
	}
	if existing.Status == StatusFailed {
		return ErrAlreadyFinalized
	}
	if existing.BlueprintName == nil || *existing.BlueprintName != c.BlueprintName {
		return ErrConflict
	}
	if !sameJSON(existing.InferenceResult, c.InferenceResult) {
		return ErrConflict
	}
	return ErrAlreadyFinalized
}

// sameJSON compares two documents structurally, ignoring key order, whitespace
// and number formatting.
func sameJSON(a, b json.RawMessage) bool {
	var va, vb any
	errA := json.Unmarshal(a, &va)
	errB := json.Unmarshal(b, &vb)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}
