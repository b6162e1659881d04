package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Key identifies a Job Record: the extraction invocation and the document it processed.
type Key struct {
	InvocationID string `json:"invocation_id"`
	FileName     string `json:"file_name"`
}

func (k Key) Validate() error {
	if k.InvocationID == "" {
		return errors.New("invocation id must not be empty")
	}
	if k.FileName == "" {
		return errors.New("file name must not be empty")
	}
	return nil
}

// Record tracks one extraction job. InferenceResult and BlueprintName are
// only set once the job completed successfully.
type Record struct {
	InvocationID    string          `json:"invocation_id"`
	FileName        string          `json:"file_name"`
	FilePath        string          `json:"file_path"`
	InvocationARN   string          `json:"invocation_arn"`
	Status          Status          `json:"status"`
	InferenceResult json.RawMessage `json:"inference_result,omitempty"`
	BlueprintName   *string         `json:"blueprint_name,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
}

func (r *Record) Key() Key {
	return Key{InvocationID: r.InvocationID, FileName: r.FileName}
}

// Completion is the terminal outcome applied by UpdateIfStarted.
type Completion struct {
	Status          Status
	InferenceResult json.RawMessage
	BlueprintName   string
}

func (c Completion) Validate() error {
	switch c.Status {
	case StatusCompleted:
		if len(c.InferenceResult) == 0 {
			return errors.New("completed job requires an inference result")
		}
		if !json.Valid(c.InferenceResult) {
			return errors.New("inference result must be valid JSON")
		}
		if c.BlueprintName == "" {
			return errors.New("completed job requires a blueprint name")
		}
	case StatusFailed:
		if len(c.InferenceResult) != 0 || c.BlueprintName != "" {
			return errors.New("failed job carries no result")
		}
	default:
		return errors.New("completion status must be COMPLETED or FAILED")
	}
	return nil
}

func (c Completion) blueprint() *string {
	if c.BlueprintName == "" {
		return nil
	}
	name := c.BlueprintName
	return &name
}
