// Package notify formats and publishes the final claim-validation notification.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/claimflow/claimflow/internal/apperr"
)

const (
	Subject     = "Benefit Claim Validation Status"
	messageText = "Benefit claim validation completed"
)

// Message is one notification ready to publish.
type Message struct {
	Subject string
	Body    []byte
}

// NewMessage wraps a validation detail in the fixed notification shape:
// {"message": "...", "detail": <detail>}.
func NewMessage(detail json.RawMessage) (Message, error) {
	body, err := json.Marshal(struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}{messageText, detail})
	if err != nil {
		return Message{}, fmt.Errorf("encode notification: %w", err)
	}
	return Message{Subject: Subject, Body: body}, nil
}

// SNSAPI is the part of *sns.Client used here.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher sends notifications to one topic.
type SNSPublisher struct {
	api      SNSAPI
	topicARN string
}

func NewSNSPublisher(api SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{api: api, topicARN: topicARN}
}

// Publish sends m once. It returns the message id assigned by the topic.
func (p *SNSPublisher) Publish(ctx context.Context, m Message) (string, error) {
	if p.topicARN == "" {
		return "", apperr.New(apperr.KindConfiguration, "notify.publish", "NOTIFICATION_TOPIC_ARN is not set")
	}
	out, err := p.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(m.Subject),
		Message:  aws.String(string(m.Body)),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamInvocation, "notify.publish", err, "publish to %s", p.topicARN)
	}
	return aws.ToString(out.MessageId), nil
}
