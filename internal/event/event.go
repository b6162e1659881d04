// Package event defines the payloads that cross stage boundaries and validates
// them on the way in.
package event

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	newDocumentSchema    = mustLoad("new_document.json")
	s3NotificationSchema = mustLoad("s3_notification.json")
	jobCompletionSchema  = mustLoad("job_completion.json")
	domainEventSchema    = mustLoad("domain_event.json")
)

func mustLoad(name string) *schema.Validator {
	src, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(err)
	}
	return schema.MustCompile(name, src)
}

// ResultSuffix is appended to a job's output prefix to locate its result object.
const ResultSuffix = "/custom_output/0/result.json"

// StatusSuccess is the job_status of an extraction job that produced a result.
const StatusSuccess = "SUCCESS"

// NewDocument announces an object landing in the ingestion bucket.
type NewDocument struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	ETag      string `json:"etag,omitempty"`
	Sequencer string `json:"sequencer,omitempty"`
}

// Location returns the fully qualified source path.
func (d NewDocument) Location() string {
	return "s3://" + d.Bucket + "/" + d.Key
}

type s3Notification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key       string `json:"key"`
				ETag      string `json:"eTag"`
				Sequencer string `json:"sequencer"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseNewDocuments accepts either a bare {bucket, key} object or a storage
// notification carrying one or more Records. Notification keys arrive
// URL-encoded and are decoded here.
func ParseNewDocuments(data []byte) ([]NewDocument, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "event.parse_new_document", err, "invalid JSON")
	}

	if _, ok := probe["Records"]; ok {
		if err := s3NotificationSchema.Validate(data); err != nil {
			return nil, err
		}
		var n s3Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, apperr.Wrap(apperr.KindMalformedPayload, "event.parse_new_document", err, "decode notification")
		}
		docs := make([]NewDocument, 0, len(n.Records))
		for _, r := range n.Records {
			key, err := url.QueryUnescape(r.S3.Object.Key)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindMalformedPayload, "event.parse_new_document", err, "object key %q", r.S3.Object.Key)
			}
			docs = append(docs, NewDocument{
				Bucket:    r.S3.Bucket.Name,
				Key:       key,
				ETag:      r.S3.Object.ETag,
				Sequencer: r.S3.Object.Sequencer,
			})
		}
		return docs, nil
	}

	if err := newDocumentSchema.Validate(data); err != nil {
		return nil, err
	}
	var d NewDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "event.parse_new_document", err, "decode document")
	}
	return []NewDocument{d}, nil
}

// JobCompletion is the extraction engine's completion notification.
type JobCompletion struct {
	Source     string           `json:"source,omitempty"`
	DetailType string           `json:"detail-type,omitempty"`
	Detail     CompletionDetail `json:"detail"`
}

type CompletionDetail struct {
	JobID          string         `json:"job_id"`
	JobStatus      string         `json:"job_status"`
	InputObject    InputObject    `json:"input_s3_object"`
	OutputLocation OutputLocation `json:"output_s3_location"`
}

type InputObject struct {
	Bucket string `json:"s3_bucket,omitempty"`
	Name   string `json:"name"`
}

type OutputLocation struct {
	Bucket string `json:"s3_bucket"`
	Name   string `json:"name"`
}

// ParseJobCompletion decodes and validates a completion notification.
func ParseJobCompletion(data []byte) (*JobCompletion, error) {
	if err := jobCompletionSchema.Validate(data); err != nil {
		return nil, err
	}
	var e JobCompletion
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "event.parse_job_completion", err, "decode completion")
	}
	return &e, nil
}

// Succeeded reports whether the job produced a result object.
func (e *JobCompletion) Succeeded() bool {
	return e.Detail.JobStatus == StatusSuccess
}

// ResultKey is the object key of the job's result document.
func (e *JobCompletion) ResultKey() string {
	return strings.TrimSuffix(e.Detail.OutputLocation.Name, "/") + ResultSuffix
}

// ValidationDetail is the payload of the validation-completed domain event.
type ValidationDetail struct {
	BDAInvocationID  string          `json:"bda_invocation_id"`
	FileName         string          `json:"file_name,omitempty"`
	BlueprintName    string          `json:"blueprint_name,omitempty"`
	InferenceResult  json.RawMessage `json:"inference_result"`
	ValidationResult json.RawMessage `json:"validation_result"`
}

// DomainEvent is the envelope handed from validation to notification.
type DomainEvent struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// NewDomainEvent encodes detail into an envelope.
func NewDomainEvent(source, detailType string, detail ValidationDetail) (*DomainEvent, error) {
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("encode validation detail: %w", err)
	}
	return &DomainEvent{Source: source, DetailType: detailType, Detail: b}, nil
}

// ParseDomainEvent decodes and validates a validation-completed envelope.
func ParseDomainEvent(data []byte) (*DomainEvent, error) {
	if err := domainEventSchema.Validate(data); err != nil {
		return nil, err
	}
	var e DomainEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "event.parse_domain_event", err, "decode envelope")
	}
	return &e, nil
}

// InvocationID returns the detail's bda_invocation_id, or "" when it cannot be read.
func (e *DomainEvent) InvocationID() string {
	var d struct {
		ID string `json:"bda_invocation_id"`
	}
	_ = json.Unmarshal(e.Detail, &d)
	return d.ID
}
