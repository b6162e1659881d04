package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of *dynamodb.Client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Attribute names of the job table. The partition key is invocationId and the
// sort key is fileName.
const (
	attrInvocationID    = "invocationId"
	attrFileName        = "fileName"
	attrFilePath        = "filePath"
	attrInvocationARN   = "invocationArn"
	attrStatus          = "status"
	attrInferenceResult = "inferenceResult"
	attrBlueprintName   = "bluePrintName"
	attrCreatedAt       = "createdAt"
	attrUpdatedAt       = "updatedAt"
	attrPublishedAt     = "publishedAt"
)

// DynamoStore is a DynamoDB-backed implementation of Store.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

func (s *DynamoStore) key(k Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrInvocationID: &types.AttributeValueMemberS{Value: k.InvocationID},
		attrFileName:     &types.AttributeValueMemberS{Value: k.FileName},
	}
}

func (s *DynamoStore) Create(ctx context.Context, r *Record) error {
	if err := r.Key().Validate(); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}
	now := r.CreatedAt.UTC()
	if r.CreatedAt.IsZero() {
		now = s.now().UTC()
	}
	item := s.key(r.Key())
	item[attrFilePath] = &types.AttributeValueMemberS{Value: r.FilePath}
	item[attrInvocationARN] = &types.AttributeValueMemberS{Value: r.InvocationARN}
	item[attrStatus] = &types.AttributeValueMemberS{Value: string(StatusStarted)}
	item[attrCreatedAt] = &types.AttributeValueMemberS{Value: formatTime(now)}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: formatTime(now)}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrInvocationID,
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create job record %s/%s: %w", r.InvocationID, r.FileName, err)
	}
	r.Status = StatusStarted
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, k Key) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeItem(out.Item)
}

func (s *DynamoStore) UpdateIfStarted(ctx context.Context, k Key, c Completion) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}

	update := "SET #status = :status, #updated = :now"
	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(c.Status)},
		":started": &types.AttributeValueMemberS{Value: string(StatusStarted)},
		":now":     &types.AttributeValueMemberS{Value: formatTime(s.now().UTC())},
	}
	names := map[string]string{
		"#pk":      attrInvocationID,
		"#status":  attrStatus,
		"#updated": attrUpdatedAt,
	}
	if c.Status == StatusCompleted {
		update += ", #result = :result, #blueprint = :blueprint"
		values[":result"] = &types.AttributeValueMemberS{Value: string(c.InferenceResult)}
		values[":blueprint"] = &types.AttributeValueMemberS{Value: c.BlueprintName}
		names["#result"] = attrInferenceResult
		names["#blueprint"] = attrBlueprintName
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 s.key(k),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("attribute_exists(#pk) AND #status = :started"),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return ErrNotFound
		}
		existing, derr := decodeItem(ccf.Item)
		if derr != nil {
			return derr
		}
		return classifyRejected(existing, c)
	}
	if err != nil {
		return fmt.Errorf("update job record %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	return nil
}

func (s *DynamoStore) MarkPublished(ctx context.Context, k Key, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(k),
		UpdateExpression:    aws.String("SET #published = :at"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND attribute_not_exists(#published)"),
		ExpressionAttributeNames: map[string]string{
			"#pk":        attrInvocationID,
			"#published": attrPublishedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": &types.AttributeValueMemberS{Value: formatTime(at.UTC())},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return ErrNotFound
		}
		return ErrAlreadyPublished
	}
	if err != nil {
		return fmt.Errorf("mark published %s/%s: %w", k.InvocationID, k.FileName, err)
	}
	return nil
}

func decodeItem(item map[string]types.AttributeValue) (*Record, error) {
	str := func(name string) (string, bool) {
		v, ok := item[name].(*types.AttributeValueMemberS)
		if !ok {
			return "", false
		}
		return v.Value, true
	}

	r := &Record{}
	r.InvocationID, _ = str(attrInvocationID)
	r.FileName, _ = str(attrFileName)
	r.FilePath, _ = str(attrFilePath)
	r.InvocationARN, _ = str(attrInvocationARN)
	status, _ := str(attrStatus)
	r.Status = Status(status)

	if v, ok := str(attrInferenceResult); ok && v != "" {
		r.InferenceResult = []byte(v)
	}
	if v, ok := str(attrBlueprintName); ok {
		r.BlueprintName = &v
	}

	var err error
	if v, ok := str(attrCreatedAt); ok {
		if r.CreatedAt, err = parseTime(v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", attrCreatedAt, err)
		}
	}
	if v, ok := str(attrUpdatedAt); ok {
		if r.UpdatedAt, err = parseTime(v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", attrUpdatedAt, err)
		}
	}
	if v, ok := str(attrPublishedAt); ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", attrPublishedAt, err)
		}
		r.PublishedAt = &t
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
