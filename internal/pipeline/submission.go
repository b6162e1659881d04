package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/extraction"
	"github.com/claimflow/claimflow/internal/job"
)

// Submission starts one extraction job per new document and records it as STARTED.
type Submission struct {
	cfg       *config.Config
	extractor Extractor
	store     job.Store
	logger    *slog.Logger
	now       func() time.Time
}

func NewSubmission(cfg *config.Config, extractor Extractor, store job.Store, logger *slog.Logger) *Submission {
	return &Submission{
		cfg:       cfg,
		extractor: extractor,
		store:     store,
		logger:    logger.With("stage", config.StageSubmission),
		now:       time.Now,
	}
}

// Handle processes an object-created payload, which may announce several documents.
// The first failure stops the batch; already-submitted documents are safe to replay.
func (s *Submission) Handle(ctx context.Context, payload []byte) error {
	docs, err := event.ParseNewDocuments(payload)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if _, err := s.Submit(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Submit starts extraction of d and creates its Job Record. A record that
// already exists means this document was submitted before; that is not an error.
func (s *Submission) Submit(ctx context.Context, d event.NewDocument) (*job.Record, error) {
	if err := s.cfg.Require(config.StageSubmission); err != nil {
		return nil, err
	}
	if s.cfg.ProfileARN == "" {
		return nil, apperr.New(apperr.KindConfiguration, "submission.start_extraction",
			"BDA_PROFILE_ARN is not set and could not be derived")
	}

	log := s.logger.With("file_name", d.Key, "file_path", d.Location())

	version := d.ETag
	if version == "" {
		version = d.Sequencer
	}
	j, err := s.extractor.Start(ctx, extraction.Request{
		InputLocation:        d.Location(),
		OutputLocationPrefix: "s3://" + s.cfg.ExtractionBucket + "/" + s.cfg.OutputPrefix,
		ProjectID:            s.cfg.ProjectARN,
		Stage:                extraction.StageLive,
		ProfileID:            s.cfg.ProfileARN,
		NotifyOnCompletion:   true,
		ClientToken:          extraction.ClientToken(d.Bucket, d.Key, version),
	})
	if err != nil {
		log.Error("start extraction failed", "error", err)
		return nil, err
	}

	now := s.now().UTC()
	rec := &job.Record{
		InvocationID:  j.CorrelationID,
		FileName:      d.Key,
		FilePath:      d.Location(),
		InvocationARN: j.InvocationARN,
		Status:        job.StatusStarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	log = log.With("invocation_id", rec.InvocationID)

	err = s.store.Create(ctx, rec)
	switch {
	case err == nil:
		log.Info("extraction started", "invocation_arn", rec.InvocationARN)
	case errors.Is(err, job.ErrAlreadyExists):
		log.Info("job record already exists, treating as duplicate submission")
	default:
		log.Error("create job record failed", "error", err)
		return nil, apperr.Wrap(apperr.KindUpstreamInvocation, "submission.create_record", err,
			"record job %s", rec.InvocationID)
	}
	return rec, nil
}
