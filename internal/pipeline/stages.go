package pipeline

import (
	"context"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/config"
)

// HandlerFunc processes one raw event payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Stages bundles the stage handlers a process serves.
type Stages struct {
	Submission   *Submission
	Observer     *Observer
	Validation   *Validation
	Notification *Notification
}

// Handler returns the handler of one stage by name.
func (s *Stages) Handler(stage string) (HandlerFunc, error) {
	var h HandlerFunc
	switch stage {
	case config.StageSubmission:
		if s.Submission != nil {
			h = s.Submission.Handle
		}
	case config.StageExtraction:
		if s.Observer != nil {
			h = s.Observer.Handle
		}
	case config.StageValidation:
		if s.Validation != nil {
			h = s.Validation.Handle
		}
	case config.StageNotification:
		if s.Notification != nil {
			h = s.Notification.Handle
		}
	default:
		return nil, apperr.New(apperr.KindConfiguration, "pipeline.handler", "unknown stage %q", stage)
	}
	if h == nil {
		return nil, apperr.New(apperr.KindConfiguration, "pipeline.handler", "stage %s is not configured", stage)
	}
	return h, nil
}

// JobCompleted fans a completion event out to the observer and the validation
// stage, as two subscribers of the same event would see it.
//
// Publication is at least once. A redelivered completion is suppressed only
// after the first delivery has marked its event published; two deliveries
// racing through validation can both publish.
func (s *Stages) JobCompleted(ctx context.Context, payload []byte) error {
	if s.Observer != nil {
		if err := s.Observer.Handle(ctx, payload); err != nil {
			return err
		}
	}
	if s.Validation == nil {
		return nil
	}
	return s.Validation.Handle(ctx, payload)
}
