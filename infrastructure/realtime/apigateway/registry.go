// Package apigateway delivers change events to editors connected through an
// API Gateway websocket API, where no process holds the sockets.
package apigateway

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
)

const (
	connPrefix        = "CONN#"
	subPrefix         = "SUB#"
	subscribersPrefix = "SUBSCRIBERS#"
	metadataSK        = "METADATA"

	// DefaultConnectionTTL bounds how long a record outlives a lost disconnect
	DefaultConnectionTTL = 2 * time.Hour
)

// DynamoAPI is the part of the DynamoDB client the registry uses
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Connection is a registered websocket connection or one of its entity
// subscriptions
type Connection struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	GSI1PK       string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK       string `dynamodbav:"GSI1SK,omitempty"`
	ConnectionID string `dynamodbav:"ConnectionID"`
	UserID       string `dynamodbav:"UserID"`
	EntityID     string `dynamodbav:"EntityID,omitempty"`
	ConnectedAt  int64  `dynamodbav:"ConnectedAt"`
	ExpireAt     int64  `dynamodbav:"expireAt"`
}

// Registry keeps connections and their entity subscriptions in the
// connections table. A connection partition holds one METADATA item plus one
// SUB#<entity> item per subscribed entity; the index inverts subscriptions so
// fan-out can find every connection watching an entity.
type Registry struct {
	client    DynamoAPI
	tableName string
	indexName string
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewRegistry creates a registry over the connections table
func NewRegistry(client DynamoAPI, tableName, indexName string, logger *zap.Logger) *Registry {
	return &Registry{
		client:    client,
		tableName: tableName,
		indexName: indexName,
		ttl:       DefaultConnectionTTL,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *Registry) put(ctx context.Context, op string, c Connection) error {
	av, err := attributevalue.MarshalMap(c)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal connection").WithCause(err)
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	}); err != nil {
		return apperrors.NewTransientStoreError(op, err)
	}
	return nil
}

// Connect records a new connection for userID
func (r *Registry) Connect(ctx context.Context, connectionID, userID string) error {
	if connectionID == "" || userID == "" {
		return apperrors.NewValidationError("connection id and user id are required")
	}
	now := r.now()
	return r.put(ctx, "connect", Connection{
		PK:           connPrefix + connectionID,
		SK:           metadataSK,
		ConnectionID: connectionID,
		UserID:       userID,
		ConnectedAt:  now.Unix(),
		ExpireAt:     now.Add(r.ttl).Unix(),
	})
}

// Subscribe makes the connection receive events of entityID
func (r *Registry) Subscribe(ctx context.Context, connectionID, userID, entityID string) error {
	if connectionID == "" || entityID == "" {
		return apperrors.NewValidationError("connection id and entity id are required")
	}
	now := r.now()
	return r.put(ctx, "subscribe", Connection{
		PK:           connPrefix + connectionID,
		SK:           subPrefix + entityID,
		GSI1PK:       subscribersPrefix + entityID,
		GSI1SK:       connPrefix + connectionID,
		ConnectionID: connectionID,
		UserID:       userID,
		EntityID:     entityID,
		ConnectedAt:  now.Unix(),
		ExpireAt:     now.Add(r.ttl).Unix(),
	})
}

// Unsubscribe stops delivering events of entityID to the connection
func (r *Registry) Unsubscribe(ctx context.Context, connectionID, entityID string) error {
	return r.delete(ctx, "unsubscribe", connPrefix+connectionID, subPrefix+entityID)
}

func (r *Registry) delete(ctx context.Context, op, pk, sk string) error {
	if _, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	}); err != nil {
		return apperrors.NewTransientStoreError(op, err)
	}
	return nil
}

// Disconnect removes the connection and all of its subscriptions. It returns
// the number of items deleted.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) (int, error) {
	items, err := r.query(ctx, "disconnect", expression.Key("PK").Equal(expression.Value(connPrefix+connectionID)), "")
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, c := range items {
		if err := r.delete(ctx, "disconnect", c.PK, c.SK); err != nil {
			return deleted, err
		}
		deleted++
	}
	r.logger.Info("Connection removed",
		zap.String("connectionID", connectionID),
		zap.Int("items", deleted),
	)
	return deleted, nil
}

// Lookup returns the metadata item of a connection
func (r *Registry) Lookup(ctx context.Context, connectionID string) (*Connection, error) {
	keyEx := expression.Key("PK").Equal(expression.Value(connPrefix + connectionID)).
		And(expression.Key("SK").Equal(expression.Value(metadataSK)))
	items, err := r.query(ctx, "lookup", keyEx, "")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.NewNotFoundError("connection")
	}
	return &items[0], nil
}

// Subscribers returns the connections subscribed to entityID
func (r *Registry) Subscribers(ctx context.Context, entityID string) ([]Connection, error) {
	return r.query(ctx, "subscribers", expression.Key("GSI1PK").Equal(expression.Value(subscribersPrefix+entityID)), r.indexName)
}

func (r *Registry) query(ctx context.Context, op string, keyEx expression.KeyConditionBuilder, index string) ([]Connection, error) {
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build expression").WithCause(err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if index != "" {
		input.IndexName = aws.String(index)
	}

	var out []Connection
	paginator := dynamodb.NewQueryPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.NewTransientStoreError(op, err)
		}
		var batch []Connection
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal connections").WithCause(err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

// connectionIDOf strips the key prefix
func connectionIDOf(c Connection) string {
	if c.ConnectionID != "" {
		return c.ConnectionID
	}
	return strings.TrimPrefix(c.PK, connPrefix)
}
