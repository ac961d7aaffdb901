package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBGraphBackend.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBGraphBackend stores graphs as items keyed by "Namespace". The
// table needs a string partition key named Namespace.
type DynamoDBGraphBackend struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoDBGraphBackend creates a backend for table.
func NewDynamoDBGraphBackend(client DynamoDBAPI, table string) (*DynamoDBGraphBackend, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	return &DynamoDBGraphBackend{client: client, table: table}, nil
}

// Load returns the stored graph using a consistent read.
func (d *DynamoDBGraphBackend) Load(ctx context.Context, namespace string) (*GraphBlob, Version, error) {
	output, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]dtypes.AttributeValue{
			"Namespace": &dtypes.AttributeValueMemberS{Value: namespace},
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to read persistent graph from dynamodb: %w", err)
	}
	if len(output.Item) == 0 {
		return emptyGraphBlob(), "", nil
	}

	var data, version string
	if v, ok := output.Item["Graph"].(*dtypes.AttributeValueMemberS); ok {
		data = v.Value
	}
	if v, ok := output.Item["Version"].(*dtypes.AttributeValueMemberS); ok {
		version = v.Value
	}

	blob, err := DecodeGraphBlob([]byte(data))
	if err != nil {
		return nil, "", err
	}
	return blob, Version(version), nil
}

// Store writes the graph with a condition on the Version attribute.
func (d *DynamoDBGraphBackend) Store(ctx context.Context, namespace string, blob *GraphBlob, expected Version) (Version, error) {
	data, err := EncodeGraphBlob(blob)
	if err != nil {
		return "", err
	}

	next := Version(uuid.New().String())
	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]dtypes.AttributeValue{
			"Namespace": &dtypes.AttributeValueMemberS{Value: namespace},
			"Graph":     &dtypes.AttributeValueMemberS{Value: string(data)},
			"Version":   &dtypes.AttributeValueMemberS{Value: string(next)},
			"UpdatedAt": &dtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	}
	if expected == "" {
		input.ConditionExpression = aws.String("attribute_not_exists(#ns)")
		input.ExpressionAttributeNames = map[string]string{"#ns": "Namespace"}
	} else {
		input.ConditionExpression = aws.String("#v = :expected")
		input.ExpressionAttributeNames = map[string]string{"#v": "Version"}
		input.ExpressionAttributeValues = map[string]dtypes.AttributeValue{
			":expected": &dtypes.AttributeValueMemberS{Value: string(expected)},
		}
	}

	if _, err := d.client.PutItem(ctx, input); err != nil {
		var ccf *dtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return "", ErrVersionConflict
		}
		return "", fmt.Errorf("failed to write persistent graph to dynamodb: %w", err)
	}
	return next, nil
}

// Delete removes the graph item.
func (d *DynamoDBGraphBackend) Delete(ctx context.Context, namespace string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]dtypes.AttributeValue{
			"Namespace": &dtypes.AttributeValueMemberS{Value: namespace},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete persistent graph from dynamodb: %w", err)
	}
	return nil
}

// Close is a no-op.
func (d *DynamoDBGraphBackend) Close() error {
	return nil
}
