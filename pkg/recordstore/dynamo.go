package recordstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the slice of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore implements Store over one single-table DynamoDB table with a
// string pk/sk key schema.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

// DynamoConfig holds DynamoStore construction parameters.
type DynamoConfig struct {
	Table    string
	Region   string
	Endpoint string // optional override for DynamoDB Local
}

// NewDynamoStore builds a DynamoDB-backed store from ambient credentials.
func NewDynamoStore(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("recordstore: table is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("recordstore: load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &DynamoStore{client: client, table: cfg.Table}, nil
}

// NewDynamoStoreWithClient wires an existing client; used by tests.
func NewDynamoStoreWithClient(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) PutRecord(ctx context.Context, rec Record) error {
	item, err := attributevalue.MarshalMap(rec.Item)
	if err != nil {
		return fmt.Errorf("recordstore: marshal item: %w", err)
	}
	item["pk"] = &ddbtypes.AttributeValueMemberS{Value: rec.PK}
	item["sk"] = &ddbtypes.AttributeValueMemberS{Value: rec.SK}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("recordstore: put %s/%s: %w", rec.PK, rec.SK, err)
	}
	return nil
}

func (s *DynamoStore) GetRecord(ctx context.Context, pk, sk string) (map[string]any, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttrs(pk, sk),
	})
	if err != nil {
		return nil, false, fmt.Errorf("recordstore: get %s/%s: %w", pk, sk, err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	item, err := unmarshalItem(out.Item)
	if err != nil {
		return nil, false, err
	}
	delete(item, "pk")
	delete(item, "sk")
	return item, true, nil
}

func (s *DynamoStore) QueryPrefix(ctx context.Context, pk, skPrefix string, filter Filter) ([]Record, error) {
	var out []Record
	var startKey map[string]ddbtypes.AttributeValue
	for {
		in := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :pref)"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk":   &ddbtypes.AttributeValueMemberS{Value: pk},
				":pref": &ddbtypes.AttributeValueMemberS{Value: skPrefix},
			},
			ExclusiveStartKey: startKey,
		}
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("recordstore: query %s %s*: %w", pk, skPrefix, err)
		}
		for _, raw := range page.Items {
			item, err := unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			sk, _ := item["sk"].(string)
			delete(item, "pk")
			delete(item, "sk")
			if filter != nil && !filter(item) {
				continue
			}
			out = append(out, Record{PK: pk, SK: sk, Item: item})
		}
		if page.LastEvaluatedKey == nil {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

func (s *DynamoStore) DeleteRecord(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttrs(pk, sk),
	})
	if err != nil {
		return fmt.Errorf("recordstore: delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

func keyAttrs(pk, sk string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
		"sk": &ddbtypes.AttributeValueMemberS{Value: sk},
	}
}

func unmarshalItem(raw map[string]ddbtypes.AttributeValue) (map[string]any, error) {
	var item map[string]any
	if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
		return nil, fmt.Errorf("recordstore: unmarshal item: %w", err)
	}
	return item, nil
}
