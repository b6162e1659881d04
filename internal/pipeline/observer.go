package pipeline

import (
	"context"
	"log/slog"

	"github.com/claimflow/claimflow/internal/config"
)

// Observation summarizes what the extraction produced. Degraded is set when
// some part of the result could not be read.
type Observation struct {
	InvocationID   string
	FileName       string
	Status         string
	Classification string
	ResultBytes    int
	Confidences    map[string]float64
	Degraded       bool
}

// Observer logs extraction results. It never touches the Job Store.
type Observer struct {
	listener *Listener
	logger   *slog.Logger
}

func NewObserver(listener *Listener, logger *slog.Logger) *Observer {
	return &Observer{listener: listener, logger: logger.With("stage", config.StageExtraction)}
}

func (o *Observer) Handle(ctx context.Context, payload []byte) error {
	_, err := o.Observe(ctx, payload)
	return err
}

// Observe reports on one completion event. Only a malformed event is an
// error; anything missing from the result degrades the observation.
func (o *Observer) Observe(ctx context.Context, payload []byte) (*Observation, error) {
	c, err := o.listener.Receive(ctx, payload)
	if err != nil {
		return nil, err
	}
	obs := &Observation{
		InvocationID: c.Event.Detail.JobID,
		FileName:     c.Event.Detail.InputObject.Name,
		Status:       c.Event.Detail.JobStatus,
	}
	log := o.logger.With("invocation_id", obs.InvocationID, "file_name", obs.FileName, "job_status", obs.Status)

	if !c.Event.Succeeded() {
		log.Warn("extraction job did not succeed")
		return obs, nil
	}
	if c.Err != nil {
		log.Warn("result object unavailable", "error", c.Err)
		obs.Degraded = true
		return obs, nil
	}

	if result, err := c.Result.InferenceResult(); err != nil {
		log.Warn("inference result missing", "error", err)
		obs.Degraded = true
	} else {
		obs.ResultBytes = len(result)
	}
	if name, err := c.Result.Classification(); err != nil {
		log.Warn("classification missing", "error", err)
		obs.Degraded = true
	} else {
		obs.Classification = name
	}
	if scores, err := c.Result.Confidences(); err != nil {
		log.Warn("confidence scores unavailable", "error", err)
		obs.Degraded = true
	} else {
		obs.Confidences = scores
	}

	log.Info("extraction result received",
		"classification", obs.Classification,
		"result_bytes", obs.ResultBytes,
		"confidences", obs.Confidences,
		"degraded", obs.Degraded,
	)
	return obs, nil
}
