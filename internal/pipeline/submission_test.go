package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/extraction"
	"github.com/claimflow/claimflow/internal/job"
)

func TestSubmission_StartsExtraction(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.stages.Submission.Handle(context.Background(), newDocumentEvent()))

	require.Len(t, h.extractor.requests, 1)
	req := h.extractor.requests[0]
	assert.Equal(t, "s3://claims-ingest/claims/receipt42.png", req.InputLocation)
	assert.Equal(t, "s3://claims-extraction/output", req.OutputLocationPrefix)
	assert.Equal(t, h.cfg.ProjectARN, req.ProjectID)
	assert.Equal(t, h.cfg.ProfileARN, req.ProfileID)
	assert.Equal(t, extraction.StageLive, req.Stage)
	assert.True(t, req.NotifyOnCompletion)
	assert.NotEmpty(t, req.ClientToken)

	rec := h.record(t, invocationID)
	require.NotNil(t, rec)
	assert.Equal(t, job.StatusStarted, rec.Status)
	assert.Equal(t, "s3://claims-ingest/claims/receipt42.png", rec.FilePath)
	assert.Equal(t, "arn:aws:bedrock:us-east-1:123456789012:data-automation-invocation/abc123", rec.InvocationARN)
	assert.Nil(t, rec.InferenceResult)
	assert.Nil(t, rec.BlueprintName)
}

func TestSubmission_DuplicateIsBenign(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.stages.Submission.Handle(ctx, newDocumentEvent()))
	require.NoError(t, h.stages.Submission.Handle(ctx, newDocumentEvent()))

	require.Len(t, h.extractor.requests, 2)
	assert.Equal(t, h.extractor.requests[0].ClientToken, h.extractor.requests[1].ClientToken,
		"a replayed event must reuse its client token")
	assert.Equal(t, job.StatusStarted, h.record(t, invocationID).Status)
}

func TestSubmission_NotificationRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	payload := []byte(`{"Records": [
		{"s3": {"bucket": {"name": "claims-ingest"}, "object": {"key": "claims/receipt42.png", "eTag": "v1"}}},
		{"s3": {"bucket": {"name": "claims-ingest"}, "object": {"key": "claims/receipt42.png", "eTag": "v2"}}}
	]}`)

	require.NoError(t, h.stages.Submission.Handle(context.Background(), payload))
	require.Len(t, h.extractor.requests, 2)
	assert.NotEqual(t, h.extractor.requests[0].ClientToken, h.extractor.requests[1].ClientToken,
		"distinct object versions are distinct submissions")
}

func TestSubmission_Errors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(h *harness)
		payload  []byte
		wantKind apperr.Kind
		started  bool
	}{
		{
			name:     "project not configured",
			mutate:   func(h *harness) { h.cfg.ProjectARN = "" },
			payload:  newDocumentEvent(),
			wantKind: apperr.KindConfiguration,
		},
		{
			name:     "profile not resolved",
			mutate:   func(h *harness) { h.cfg.ProfileARN = "" },
			payload:  newDocumentEvent(),
			wantKind: apperr.KindConfiguration,
		},
		{
			name: "extraction rejected",
			mutate: func(h *harness) {
				h.extractor.err = apperr.Wrap(apperr.KindUpstreamInvocation, "extraction.start", errors.New("ThrottlingException"), "invoke")
			},
			payload:  newDocumentEvent(),
			wantKind: apperr.KindUpstreamInvocation,
			started:  true,
		},
		{
			name:     "malformed event",
			mutate:   func(*harness) {},
			payload:  []byte(`{"bucket": "claims-ingest"}`),
			wantKind: apperr.KindMalformedPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tt.mutate(h)

			err := h.stages.Submission.Handle(context.Background(), tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, tt.started, len(h.extractor.requests) > 0)
			assert.Nil(t, h.record(t, invocationID))
		})
	}
}

type failingCreateStore struct {
	job.Store
	err error
}

func (s failingCreateStore) Create(context.Context, *job.Record) error { return s.err }

func TestSubmission_StoreFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := NewSubmission(h.cfg, h.extractor, failingCreateStore{Store: h.store, err: errors.New("database is locked")}, discardLogger())

	_, err := s.Submit(context.Background(), event.NewDocument{Bucket: ingestBucket, Key: documentKey})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	assert.ErrorContains(t, err, "database is locked")
}
