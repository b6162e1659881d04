package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/decision"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/job"
)

// Validation records the extraction outcome, asks the decision engine about
// the claim and publishes the validation-completed event.
type Validation struct {
	cfg       *config.Config
	listener  *Listener
	store     job.Store
	catalog   *decision.Catalog
	engine    DecisionEngine
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// ValidationDeps are the collaborators of a Validation stage.
type ValidationDeps struct {
	Listener  *Listener
	Store     job.Store
	Catalog   *decision.Catalog
	Engine    DecisionEngine
	Publisher EventPublisher
}

func NewValidation(cfg *config.Config, deps ValidationDeps, logger *slog.Logger) *Validation {
	catalog := deps.Catalog
	if catalog == nil {
		catalog = decision.DefaultCatalog()
	}
	return &Validation{
		cfg:       cfg,
		listener:  deps.Listener,
		store:     deps.Store,
		catalog:   catalog,
		engine:    deps.Engine,
		publisher: deps.Publisher,
		logger:    logger.With("stage", config.StageValidation),
		now:       time.Now,
	}
}

// Outcome is what one validation invocation did. Skipped is set when no
// decision was requested: the job failed, or its event already went out.
// Duplicate is an ALREADY_FINALIZED error when the completion had been
// applied to the Job Record before.
type Outcome struct {
	Key       job.Key
	Template  string
	Decision  *decision.Result
	EventID   string
	Skipped   bool
	Duplicate error
}

func (v *Validation) Handle(ctx context.Context, payload []byte) error {
	_, err := v.Validate(ctx, payload)
	return err
}

// Validate processes one completion event.
func (v *Validation) Validate(ctx context.Context, payload []byte) (*Outcome, error) {
	if err := v.cfg.Require(config.StageValidation); err != nil {
		return nil, err
	}
	c, err := v.listener.Receive(ctx, payload)
	if err != nil {
		return nil, err
	}

	key := job.Key{InvocationID: c.Event.Detail.JobID, FileName: c.Event.Detail.InputObject.Name}
	log := v.logger.With("invocation_id", key.InvocationID, "file_name", key.FileName)
	out := &Outcome{Key: key}

	if !c.Event.Succeeded() {
		_, out.Duplicate = v.finalize(ctx, log, key, job.Completion{Status: job.StatusFailed})
		log.Warn("extraction job did not succeed, no decision requested", "job_status", c.Event.Detail.JobStatus)
		out.Skipped = true
		return out, nil
	}

	if c.Err != nil {
		log.Error("result object unavailable", "error", c.Err)
		return nil, c.Err
	}
	result, err := c.Result.InferenceResult()
	if err != nil {
		log.Error("cannot validate without inference result", "error", err)
		return nil, err
	}
	blueprint, err := c.Result.Classification()
	if err != nil {
		log.Error("cannot validate without classification", "error", err)
		return nil, err
	}
	log = log.With("blueprint_name", blueprint)

	published, dup := v.finalize(ctx, log, key, job.Completion{
		Status:          job.StatusCompleted,
		InferenceResult: result,
		BlueprintName:   blueprint,
	})
	out.Duplicate = dup
	if published {
		log.Info("validation event already published, skipping")
		out.Skipped = true
		return out, nil
	}

	if scores, err := c.Result.Confidences(); err != nil {
		log.Warn("confidence scores unavailable", "error", err)
	} else {
		log.Info("confidence scores", "confidences", scores)
	}

	prompt, err := v.catalog.Render(blueprint, result)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "validation.render_prompt", err, "classification %s", blueprint)
	}
	out.Template = prompt.Template

	resp, err := v.engine.Query(ctx, decision.Query{
		KnowledgeBaseID: v.cfg.KnowledgeBaseID,
		ModelID:         v.cfg.ModelID,
		PromptText:      prompt.Text,
	})
	if err != nil {
		log.Error("decision engine failed", "error", err, "template", prompt.Template)
		return nil, err
	}

	res := decision.Parse(resp.OutputText)
	if !res.Structured() {
		log.Warn("decision response unreadable, flagged for review", "raw_response", res.RawResponse)
	}
	out.Decision = &res

	validationResult, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode validation result: %w", err)
	}
	e, err := event.NewDomainEvent(v.cfg.EventSource, v.cfg.EventDetailType, event.ValidationDetail{
		BDAInvocationID:  key.InvocationID,
		FileName:         key.FileName,
		BlueprintName:    blueprint,
		InferenceResult:  result,
		ValidationResult: validationResult,
	})
	if err != nil {
		return nil, err
	}
	out.EventID, err = v.publisher.Publish(ctx, e)
	if err != nil {
		log.Error("publish validation event failed", "error", err)
		return nil, err
	}

	if err := v.store.MarkPublished(ctx, key, v.now().UTC()); err != nil {
		log.Warn("mark validation event published failed", "error", err)
	}
	log.Info("validation completed",
		"decision", res.Decision,
		"template", prompt.Template,
		"event_id", out.EventID,
	)
	return out, nil
}

// finalize applies c to the Job Record. Store failures never stop validation;
// they are logged. A record already finalized with the same outcome yields an
// ALREADY_FINALIZED error, and published reports whether its validation event
// already went out.
//
// A duplicate that arrives while the first delivery is between finalizing and
// MarkPublished sees published == false and requests its own decision, so two
// events can go out for one job.
func (v *Validation) finalize(ctx context.Context, log *slog.Logger, key job.Key, c job.Completion) (published bool, dup error) {
	err := v.store.UpdateIfStarted(ctx, key, c)
	switch {
	case err == nil:
		log.Info("job record finalized", "status", c.Status)
		return false, nil
	case errors.Is(err, job.ErrAlreadyFinalized):
		dup = apperr.Wrap(apperr.KindAlreadyFinalized, "validation.finalize", err, "%s/%s", key.InvocationID, key.FileName)
		log.Info("duplicate completion", "error", dup, "status", c.Status)
	default:
		log.Warn("update job record failed, continuing", "error", err, "status", c.Status)
		return false, nil
	}

	rec, err := v.store.Get(ctx, key)
	if err != nil {
		log.Warn("read job record failed", "error", err)
		return false, dup
	}
	return rec != nil && rec.PublishedAt != nil, dup
}
