package pipeline

import (
	"context"
	"encoding/json"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/schema"
)

var resultSchema = schema.MustCompile("result_document.json", []byte(`{
	"type": "object"
}`))

// ResultDocument is the extraction engine's result object. Its fields are
// read lazily so each caller decides whether a missing field is fatal.
type ResultDocument struct {
	fields map[string]json.RawMessage
}

// ParseResultDocument decodes a result object. Only the top level must be a JSON object.
func ParseResultDocument(data []byte) (*ResultDocument, error) {
	if err := resultSchema.Validate(data); err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "listener.parse_result", err, "decode result object")
	}
	return &ResultDocument{fields: fields}, nil
}

// InferenceResult returns the opaque extracted fields.
func (d *ResultDocument) InferenceResult() (json.RawMessage, error) {
	raw, ok := d.fields["inference_result"]
	if !ok || string(raw) == "null" {
		return nil, apperr.New(apperr.KindMalformedPayload, "listener.inference_result", "result object has no inference_result")
	}
	return raw, nil
}

// Classification returns matched_blueprint.name.
func (d *ResultDocument) Classification() (string, error) {
	var mb struct {
		Name string `json:"name"`
	}
	raw, ok := d.fields["matched_blueprint"]
	if ok {
		if err := json.Unmarshal(raw, &mb); err != nil {
			return "", apperr.Wrap(apperr.KindMalformedPayload, "listener.classification", err, "decode matched_blueprint")
		}
	}
	if mb.Name == "" {
		return "", apperr.New(apperr.KindMalformedPayload, "listener.classification", "result object has no matched_blueprint.name")
	}
	return mb.Name, nil
}

// Confidences flattens explainability_info[0] into {"<field>_confidence": value}.
// Fields without a numeric confidence are left out.
func (d *ResultDocument) Confidences() (map[string]float64, error) {
	raw, ok := d.fields["explainability_info"]
	if !ok {
		return nil, apperr.New(apperr.KindMalformedPayload, "listener.confidences", "result object has no explainability_info")
	}
	var info []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedPayload, "listener.confidences", err, "explainability_info is not a list of objects")
	}
	if len(info) == 0 {
		return nil, apperr.New(apperr.KindMalformedPayload, "listener.confidences", "explainability_info is empty")
	}

	scores := make(map[string]float64)
	for field, v := range info[0] {
		var entry struct {
			Confidence *float64 `json:"confidence"`
		}
		if json.Unmarshal(v, &entry) != nil || entry.Confidence == nil {
			continue
		}
		scores[field+"_confidence"] = *entry.Confidence
	}
	return scores, nil
}

// Completion is a received completion event and, when the job succeeded,
// its result object. Err records why the result could not be read.
type Completion struct {
	Event  *event.JobCompletion
	Result *ResultDocument
	Err    error
}

// Listener turns completion events into Completions. It is shared by every
// stage that reacts to a finished extraction job.
type Listener struct {
	blobs BlobGetter
}

func NewListener(blobs BlobGetter) *Listener {
	return &Listener{blobs: blobs}
}

// Receive parses payload and, for a successful job, fetches its result.
// Only a malformed event is returned as an error; a result that cannot be
// fetched or parsed is reported in Completion.Err.
func (l *Listener) Receive(ctx context.Context, payload []byte) (*Completion, error) {
	e, err := event.ParseJobCompletion(payload)
	if err != nil {
		return nil, err
	}
	c := &Completion{Event: e}
	if !e.Succeeded() {
		return c, nil
	}

	data, err := l.blobs.Get(ctx, e.Detail.OutputLocation.Bucket, e.ResultKey())
	if err != nil {
		c.Err = err
		return c, nil
	}
	c.Result, c.Err = ParseResultDocument(data)
	return c, nil
}
