package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimflow/claimflow/internal/apperr"
)

type fakeSNS struct {
	calls []*sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

const detail = `{"bda_invocation_id":"abc123","file_name":"claims/receipt42.png","blueprint_name":"Receipt","inference_result":{"TOTAL":42.50},"validation_result":{"decision":"approved","reason":"within limits"}}`

func TestNewMessage_Golden(t *testing.T) {
	m, err := NewMessage(json.RawMessage(detail))
	require.NoError(t, err)
	assert.Equal(t, "Benefit Claim Validation Status", m.Subject)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "notification_message", m.Body)
}

func TestSNSPublisher_Publish(t *testing.T) {
	t.Parallel()
	fake := &fakeSNS{}
	p := NewSNSPublisher(fake, "arn:aws:sns:us-east-1:123456789012:claims")

	m, err := NewMessage(json.RawMessage(detail))
	require.NoError(t, err)
	id, err := p.Publish(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:claims", aws.ToString(fake.calls[0].TopicArn))
	assert.Equal(t, Subject, aws.ToString(fake.calls[0].Subject))
	assert.JSONEq(t, `{"message":"Benefit claim validation completed","detail":`+detail+`}`, aws.ToString(fake.calls[0].Message))
}

func TestSNSPublisher_Unconfigured(t *testing.T) {
	t.Parallel()
	fake := &fakeSNS{}
	_, err := NewSNSPublisher(fake, "").Publish(context.Background(), Message{Subject: Subject})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration), "got %v", err)
	assert.Empty(t, fake.calls)
}

func TestSNSPublisher_Rejected(t *testing.T) {
	t.Parallel()
	boom := errors.New("AuthorizationError")
	fake := &fakeSNS{err: boom}
	_, err := NewSNSPublisher(fake, "arn:aws:sns:us-east-1:1:t").Publish(context.Background(), Message{Subject: Subject})
	assert.True(t, apperr.Is(err, apperr.KindUpstreamInvocation), "got %v", err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, fake.calls, 1, "no internal retry")
}
