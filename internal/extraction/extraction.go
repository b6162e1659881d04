// Package extraction starts asynchronous document-extraction jobs.
package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	bda "github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/claimflow/claimflow/internal/apperr"
)

// StageLive selects the published version of the extraction project.
const StageLive = "LIVE"

// Request describes one extraction job.
type Request struct {
	InputLocation        string
	OutputLocationPrefix string
	ProjectID            string
	Stage                string
	ProfileID            string
	NotifyOnCompletion   bool
	// ClientToken makes the call idempotent: replaying a token returns the
	// invocation it first started.
	ClientToken string
}

// Job is the engine's answer to a started extraction.
type Job struct {
	InvocationARN string
	// CorrelationID is the trailing segment of InvocationARN; completion events carry it as job_id.
	CorrelationID string
}

// BDAAPI is the part of the data automation runtime client used here.
type BDAAPI interface {
	InvokeDataAutomationAsync(ctx context.Context, in *bda.InvokeDataAutomationAsyncInput, optFns ...func(*bda.Options)) (*bda.InvokeDataAutomationAsyncOutput, error)
}

// BDAClient starts jobs on Bedrock Data Automation.
type BDAClient struct {
	api BDAAPI
}

func NewBDAClient(api BDAAPI) *BDAClient {
	return &BDAClient{api: api}
}

func (c *BDAClient) Start(ctx context.Context, req Request) (*Job, error) {
	stage := req.Stage
	if stage == "" {
		stage = StageLive
	}
	in := &bda.InvokeDataAutomationAsyncInput{
		InputConfiguration: &types.InputConfiguration{
			S3Uri: aws.String(req.InputLocation),
		},
		OutputConfiguration: &types.OutputConfiguration{
			S3Uri: aws.String(req.OutputLocationPrefix),
		},
		DataAutomationConfiguration: &types.DataAutomationConfiguration{
			DataAutomationProjectArn: aws.String(req.ProjectID),
			Stage:                    types.DataAutomationStage(stage),
		},
		NotificationConfiguration: &types.NotificationConfiguration{
			EventBridgeConfiguration: &types.EventBridgeConfiguration{
				EventBridgeEnabled: aws.Bool(req.NotifyOnCompletion),
			},
		},
		DataAutomationProfileArn: aws.String(req.ProfileID),
	}
	if req.ClientToken != "" {
		in.ClientToken = aws.String(req.ClientToken)
	}

	out, err := c.api.InvokeDataAutomationAsync(ctx, in)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamInvocation, "extraction.start", err, "invoke data automation for %s", req.InputLocation)
	}
	arn := aws.ToString(out.InvocationArn)
	if arn == "" {
		return nil, apperr.New(apperr.KindUpstreamInvocation, "extraction.start", "no invocation ARN returned for %s", req.InputLocation)
	}
	return &Job{InvocationARN: arn, CorrelationID: InvocationID(arn)}, nil
}

// InvocationID returns the last path segment of an invocation ARN.
func InvocationID(arn string) string {
	return arn[strings.LastIndex(arn, "/")+1:]
}

// ClientToken derives a stable idempotency token for one version of one object.
// version is the object's ETag or notification sequencer; when both are empty
// the token identifies the key alone.
func ClientToken(bucket, key, version string) string {
	sum := sha256.Sum256([]byte(bucket + "\x00" + key + "\x00" + version))
	return hex.EncodeToString(sum[:])
}

// STSAPI is the part of the STS client used to discover the caller's account.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ResolveProfileARN returns configured when set, otherwise the cross-region
// default profile for the caller's account.
func ResolveProfileARN(ctx context.Context, api STSAPI, region, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if region == "" {
		return "", apperr.New(apperr.KindConfiguration, "extraction.resolve_profile", "BDA_PROFILE_ARN is not set and no AWS region is configured")
	}
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, "extraction.resolve_profile", err, "BDA_PROFILE_ARN is not set and the caller identity is unavailable")
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", apperr.New(apperr.KindConfiguration, "extraction.resolve_profile", "caller identity carries no account")
	}
	return fmt.Sprintf("arn:aws:bedrock:%s:%s:data-automation-profile/us.data-automation-v1", region, account), nil
}
