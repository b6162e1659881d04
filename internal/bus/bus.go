// Package bus publishes domain events to EventBridge.
package bus

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/event"
)

// EventBridgeAPI is the part of *eventbridge.Client used here.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

type EventBridgePublisher struct {
	api     EventBridgeAPI
	busName string
}

func NewEventBridgePublisher(api EventBridgeAPI, busName string) *EventBridgePublisher {
	return &EventBridgePublisher{api: api, busName: busName}
}

// Publish puts one event on the bus and returns its event id. A partially
// failed batch is reported as an error, never as success.
func (p *EventBridgePublisher) Publish(ctx context.Context, e *event.DomainEvent) (string, error) {
	entry := types.PutEventsRequestEntry{
		Source:     aws.String(e.Source),
		DetailType: aws.String(e.DetailType),
		Detail:     aws.String(string(e.Detail)),
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	out, err := p.api.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamInvocation, "bus.publish", err, "put %s event", e.DetailType)
	}
	if out.FailedEntryCount > 0 || len(out.Entries) == 0 {
		code, msg := "", ""
		if len(out.Entries) > 0 {
			code, msg = aws.ToString(out.Entries[0].ErrorCode), aws.ToString(out.Entries[0].ErrorMessage)
		}
		return "", apperr.New(apperr.KindUpstreamInvocation, "bus.publish", "event rejected: %s %s", code, msg)
	}
	return aws.ToString(out.Entries[0].EventId), nil
}
