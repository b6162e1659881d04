// Package pipeline holds the four event-driven stages of a claim: submission,
// extraction observation, validation and notification. Each stage is a
// stateless handler invoked once per event; redelivery is the caller's job.
package pipeline

import (
	"context"

	"github.com/claimflow/claimflow/internal/decision"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/extraction"
	"github.com/claimflow/claimflow/internal/notify"
)

// Extractor starts asynchronous extraction jobs.
type Extractor interface {
	Start(ctx context.Context, req extraction.Request) (*extraction.Job, error)
}

// BlobGetter reads result objects.
type BlobGetter interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// DecisionEngine answers a rendered decision prompt.
type DecisionEngine interface {
	Query(ctx context.Context, q decision.Query) (*decision.Response, error)
}

// EventPublisher emits the validation-completed domain event.
type EventPublisher interface {
	Publish(ctx context.Context, e *event.DomainEvent) (string, error)
}

// Notifier delivers the final notification.
type Notifier interface {
	Publish(ctx context.Context, m notify.Message) (string, error)
}
