package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used for leases.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dynamoLease struct {
	LockKey   string `dynamodbav:"lock_key"`
	Token     string `dynamodbav:"token"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoStore implements Store with conditional writes on a table keyed by
// lock_key. Enable DynamoDB TTL on expires_at to garbage-collect old rows.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoStore creates a lease store on table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

// Acquire writes the lease unless a live one exists.
func (s *DynamoStore) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	now := s.now()
	lease := dynamoLease{LockKey: key, Token: token, ExpiresAt: now.Add(ttl).UnixMilli()}
	item, err := attributevalue.MarshalMap(lease)
	if err != nil {
		return "", false, fmt.Errorf("marshal lease %s: %w", key, err)
	}
	nowAV, err := attributevalue.Marshal(now.UnixMilli())
	if err != nil {
		return "", false, fmt.Errorf("marshal lease %s: %w", key, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       aws.String("attribute_not_exists(lock_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": nowAV},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("acquire dynamo lease %s: %w", key, err)
	}
	return lease.Token, true, nil
}

// Release deletes the lease if token still owns it.
func (s *DynamoStore) Release(ctx context.Context, key, token string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{"lock_key": &types.AttributeValueMemberS{Value: key}},
		ConditionExpression: aws.String("#t = :token"),
		ExpressionAttributeNames: map[string]string{
			"#t": "token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release dynamo lease %s: %w", key, err)
	}
	return nil
}
