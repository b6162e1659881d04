package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/claimflow/claimflow/internal/blob"
	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/decision"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/extraction"
	"github.com/claimflow/claimflow/internal/job"
	"github.com/claimflow/claimflow/internal/notify"
)

const (
	ingestBucket     = "claims-ingest"
	extractionBucket = "claims-extraction"
	documentKey      = "claims/receipt42.png"
	invocationID     = "abc123"
)

// fakeExtractor answers with ids[input location], falling back to id.
type fakeExtractor struct {
	mu       sync.Mutex
	id       string
	ids      map[string]string
	err      error
	requests []extraction.Request
}

func (f *fakeExtractor) Start(_ context.Context, req extraction.Request) (*extraction.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	id := f.id
	if mapped, ok := f.ids[req.InputLocation]; ok {
		id = mapped
	}
	return &extraction.Job{
		InvocationARN: "arn:aws:bedrock:us-east-1:123456789012:data-automation-invocation/" + id,
		CorrelationID: id,
	}, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	text    string
	err     error
	queries []decision.Query
}

func (f *fakeEngine) Query(_ context.Context, q decision.Query) (*decision.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return &decision.Response{OutputText: f.text}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []*event.DomainEvent
}

func (f *fakePublisher) Publish(_ context.Context, e *event.DomainEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, e)
	return "evt-" + e.InvocationID(), nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	messages []notify.Message
}

func (f *fakeNotifier) Publish(_ context.Context, m notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, m)
	return "msg-1", nil
}

type harness struct {
	cfg       *config.Config
	store     *job.SQLiteStore
	blobs     *blob.FSStore
	extractor *fakeExtractor
	engine    *fakeEngine
	publisher *fakePublisher
	notifier  *fakeNotifier
	stages    *Stages
}

func testConfig() *config.Config {
	return &config.Config{
		ProjectARN:       "arn:aws:bedrock:us-east-1:123456789012:data-automation-project/claims",
		ProfileARN:       "arn:aws:bedrock:us-east-1:123456789012:data-automation-profile/us.data-automation-v1",
		ExtractionBucket: extractionBucket,
		OutputPrefix:     "output",
		Store:            config.StoreSQLite,
		KnowledgeBaseID:  "KB12345678",
		ModelID:          "arn:aws:bedrock:us-east-1::foundation-model/anthropic.claude-3-haiku-20240307-v1:0",
		EventSource:      "benefit-claim-validation-function",
		EventDetailType:  "Benefit Claim Validation Completed",
		Notifier:         config.NotifierSNS,
		TopicARN:         "arn:aws:sns:us-east-1:123456789012:claim-status",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := job.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		cfg:       testConfig(),
		store:     store,
		blobs:     blob.NewFSStore(t.TempDir()),
		extractor: &fakeExtractor{id: invocationID},
		engine:    &fakeEngine{text: `{"decision": "approved", "reason": "pharmacy receipt within plan limits"}`},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
	}
	logger := discardLogger()
	listener := NewListener(h.blobs)
	h.stages = &Stages{
		Submission: NewSubmission(h.cfg, h.extractor, h.store, logger),
		Observer:   NewObserver(listener, logger),
		Validation: NewValidation(h.cfg, ValidationDeps{
			Listener:  listener,
			Store:     h.store,
			Engine:    h.engine,
			Publisher: h.publisher,
		}, logger),
		Notification: NewNotification(h.cfg, h.notifier, logger),
	}
	return h
}

// putResult stores a result object where the completion event for id points.
func (h *harness) putResult(t *testing.T, id, doc string) {
	t.Helper()
	key := "output/" + id + "/0" + event.ResultSuffix
	require.NoError(t, h.blobs.Put(context.Background(), extractionBucket, key, []byte(doc)))
}

func (h *harness) record(t *testing.T, id string) *job.Record {
	t.Helper()
	return h.recordFor(t, id, documentKey)
}

func (h *harness) recordFor(t *testing.T, id, key string) *job.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), job.Key{InvocationID: id, FileName: key})
	require.NoError(t, err)
	return rec
}

func newDocumentEvent() []byte {
	return documentEvent(documentKey)
}

func documentEvent(key string) []byte {
	return []byte(`{"bucket": "` + ingestBucket + `", "key": "` + key + `"}`)
}

func completionEvent(id, status string) []byte {
	return completionEventFor(id, documentKey, status)
}

func completionEventFor(id, key, status string) []byte {
	b, _ := json.Marshal(map[string]any{
		"source":      "aws.bedrock",
		"detail-type": "Bedrock Data Automation Job Succeeded",
		"detail": map[string]any{
			"job_id":             id,
			"job_status":         status,
			"input_s3_object":    map[string]string{"s3_bucket": ingestBucket, "name": key},
			"output_s3_location": map[string]string{"s3_bucket": extractionBucket, "name": "output/" + id + "/0"},
		},
	})
	return b
}

func resultDocument(blueprint, inference string) string {
	return `{
		"matched_blueprint": {"name": "` + blueprint + `", "confidence": 1},
		"inference_result": ` + inference + `,
		"explainability_info": [{
			"TOTAL": {"confidence": 0.97, "value": 42.5, "success": true},
			"VENDOR": {"success": true}
		}]
	}`
}

const receiptInference = `{"TOTAL": 42.50}`
