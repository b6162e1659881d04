package decision

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"github.com/claimflow/claimflow/internal/apperr"
)

// Query asks the decision engine about one document.
type Query struct {
	KnowledgeBaseID string
	ModelID         string
	PromptText      string
}

// Response is the engine's free-text judgment and the passages it cited.
type Response struct {
	OutputText string
	References []string
}

// BedrockAPI is the part of the agent runtime client used here.
type BedrockAPI interface {
	RetrieveAndGenerate(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
}

// BedrockEngine answers queries with knowledge-base retrieval and generation.
type BedrockEngine struct {
	api BedrockAPI
}

func NewBedrockEngine(api BedrockAPI) *BedrockEngine {
	return &BedrockEngine{api: api}
}

func (e *BedrockEngine) Query(ctx context.Context, q Query) (*Response, error) {
	out, err := e.api.RetrieveAndGenerate(ctx, &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &types.RetrieveAndGenerateInput{
			Text: aws.String(q.PromptText),
		},
		RetrieveAndGenerateConfiguration: &types.RetrieveAndGenerateConfiguration{
			Type: types.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: &types.KnowledgeBaseRetrieveAndGenerateConfiguration{
				KnowledgeBaseId: aws.String(q.KnowledgeBaseID),
				ModelArn:        aws.String(q.ModelID),
			},
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamInvocation, "decision.query", err, "retrieve and generate on knowledge base %s", q.KnowledgeBaseID)
	}

	resp := &Response{}
	if out.Output != nil {
		resp.OutputText = aws.ToString(out.Output.Text)
	}
	for _, c := range out.Citations {
		for _, ref := range c.RetrievedReferences {
			if ref.Content != nil && ref.Content.Text != nil {
				resp.References = append(resp.References, *ref.Content.Text)
			}
		}
	}
	return resp, nil
}
