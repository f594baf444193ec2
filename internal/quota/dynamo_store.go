package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API the ledger uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore persists ledger records in a DynamoDB table.
//
// Table schema:
//   - Partition key: tenant_id (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name ragd-quota \
//	  --attribute-definitions AttributeName=tenant_id,AttributeType=S \
//	  --key-schema AttributeName=tenant_id,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoStore struct {
	client    DDBClient
	tableName string
}

// NewDynamoStore wraps an existing client.
func NewDynamoStore(client DDBClient, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// DynamoOptions configures NewDynamoStoreFromEnv.
type DynamoOptions struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string
}

// NewDynamoStoreFromEnv builds a client from the default AWS credential chain.
func NewDynamoStoreFromEnv(ctx context.Context, opts DynamoOptions) (*DynamoStore, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoStore(client, opts.Table), nil
}

func (s *DynamoStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger item: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, ErrRecordNotFound
	}

	recAttr, ok := resp.Item["record"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("invalid record attribute in DynamoDB")
	}
	var rec Record
	if err := json.Unmarshal([]byte(recAttr.Value), &rec); err != nil {
		return nil, fmt.Errorf("decoding ledger record: %w", err)
	}
	rec.init()
	return &rec, nil
}

func (s *DynamoStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"tenant_id": &types.AttributeValueMemberS{Value: rec.TenantID},
			"version":   &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Version, 10)},
			"record":    &types.AttributeValueMemberS{Value: string(raw)},
		},
	}
	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(tenant_id)")
	} else {
		input.ConditionExpression = aws.String("version = :expected")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConflict
		}
		return fmt.Errorf("failed to put ledger item: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListTenants(ctx context.Context) ([]string, error) {
	var (
		ids   []string
		start map[string]types.AttributeValue
	)
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.tableName),
			ProjectionExpression: aws.String("tenant_id"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger table: %w", err)
		}
		for _, item := range resp.Items {
			if v, ok := item["tenant_id"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, v.Value)
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		start = resp.LastEvaluatedKey
	}
}

func (s *DynamoStore) Close() error { return nil }
