// Package dynamodb is the production GraphStore on a single DynamoDB table.
package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"graphcollab/application/ports"
	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

const (
	batchGetLimit   = 100
	maxBatchRetries = 3
)

// API is the part of the DynamoDB client the store uses
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements ports.GraphStore
type Store struct {
	client    API
	tableName string
	edgeIndex string
	clock     ports.Clock
	logger    *zap.Logger
}

var (
	_ ports.GraphStore = (*Store)(nil)
	_ graph.EdgeSource = (*Store)(nil)
)

// NewStore creates a store over tableName; edgeIndex is the GSI keyed by
// relation target
func NewStore(client API, tableName, edgeIndex string, logger *zap.Logger) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		edgeIndex: edgeIndex,
		clock:     ports.SystemClock{},
		logger:    logger,
	}
}

// SetClock replaces the clock used for relation timestamps
func (s *Store) SetClock(clock ports.Clock) {
	s.clock = clock
}

// PutEntity writes an entity's metadata item
func (s *Store) PutEntity(ctx context.Context, e *graph.Entity) error {
	av, err := attributevalue.MarshalMap(newEntityItem(e, s.clock.Now()))
	if err != nil {
		return apperrors.NewInternalError("failed to marshal entity").WithCause(err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	return storeError("putEntity", err)
}

// partition reads every item of an entity partition whose SK starts with prefix
func (s *Store) partition(ctx context.Context, op, entityID, prefix string) ([]map[string]types.AttributeValue, error) {
	keyEx := expression.Key("PK").Equal(expression.Value(entityPK(entityID)))
	if prefix != "" {
		keyEx = keyEx.And(expression.Key("SK").BeginsWith(prefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build expression").WithCause(err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})
	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storeError(op, err)
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func decodeRelations(items []map[string]types.AttributeValue) ([]*graph.Relation, error) {
	relations := make([]*graph.Relation, 0, len(items))
	for _, item := range items {
		var ri relationItem
		if err := attributevalue.UnmarshalMap(item, &ri); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal relation").WithCause(err)
		}
		relations = append(relations, ri.toRelation())
	}
	sort.SliceStable(relations, func(i, j int) bool {
		if !relations[i].FirstSeen.Equal(relations[j].FirstSeen) {
			return relations[i].FirstSeen.Before(relations[j].FirstSeen)
		}
		return relations[i].ID < relations[j].ID
	})
	return relations, nil
}

// GetByID returns the entity with its through fields materialized as lists
// of target ids, or nil when it does not exist
func (s *Store) GetByID(ctx context.Context, id string) (*graph.Entity, error) {
	items, err := s.partition(ctx, "getById", id, "")
	if err != nil {
		return nil, err
	}

	var entity *graph.Entity
	var relItems []map[string]types.AttributeValue
	for _, item := range items {
		sk, _ := item["SK"].(*types.AttributeValueMemberS)
		switch {
		case sk == nil:
		case sk.Value == metadataSK:
			var ei entityItem
			if err := attributevalue.UnmarshalMap(item, &ei); err != nil {
				return nil, apperrors.NewInternalError("failed to unmarshal entity").WithCause(err)
			}
			entity = ei.toEntity()
		case isRelationSK(sk.Value):
			relItems = append(relItems, item)
		}
	}
	if entity == nil {
		return nil, nil
	}

	relations, err := decodeRelations(relItems)
	if err != nil {
		return nil, err
	}
	through := make(map[string][]string)
	for _, r := range relations {
		if r.ThroughField != "" {
			through[r.ThroughField] = append(through[r.ThroughField], r.ToID)
		}
	}
	for field, targets := range through {
		entity.Attributes[field] = targets
	}
	return entity, nil
}

// Outgoing returns the stored relations leaving entityID, oldest first
func (s *Store) Outgoing(ctx context.Context, entityID string) ([]*graph.Relation, error) {
	items, err := s.partition(ctx, "outgoing", entityID, relationPrefix)
	if err != nil {
		return nil, err
	}
	return decodeRelations(items)
}

// Incoming returns the stored relations pointing at entityID. The edge index
// is eventually consistent.
func (s *Store) Incoming(ctx context.Context, entityID string) ([]*graph.Relation, error) {
	keyEx := expression.Key("GSI1PK").Equal(expression.Value(targetPrefix + entityID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build expression").WithCause(err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(s.edgeIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storeError("incoming", err)
		}
		items = append(items, page.Items...)
	}
	return decodeRelations(items)
}

// Entities loads entity metadata in batches. Missing ids are absent from the
// result.
func (s *Store) Entities(ctx context.Context, ids []string) (map[string]*graph.Entity, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
	}

	out := make(map[string]*graph.Entity, len(unique))

	for start := 0; start < len(unique); start += batchGetLimit {
		end := start + batchGetLimit
		if end > len(unique) {
			end = len(unique)
		}
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range unique[start:end] {
			keys = append(keys, key(entityPK(id), metadataSK))
		}
		if err := s.batchGet(ctx, keys, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) batchGet(ctx context.Context, keys []map[string]types.AttributeValue, out map[string]*graph.Entity) error {
	input := &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			s.tableName: {Keys: keys},
		},
	}
	for attempt := 0; ; attempt++ {
		output, err := s.client.BatchGetItem(ctx, input)
		if err != nil {
			return storeError("batchGetEntities", err)
		}
		for _, item := range output.Responses[s.tableName] {
			var ei entityItem
			if err := attributevalue.UnmarshalMap(item, &ei); err != nil {
				s.logger.Warn("Failed to unmarshal entity", zap.Error(err))
				continue
			}
			out[ei.EntityID] = ei.toEntity()
		}

		unprocessed := output.UnprocessedKeys[s.tableName].Keys
		if len(unprocessed) == 0 {
			return nil
		}
		if attempt >= maxBatchRetries {
			return apperrors.NewTransientStoreError("batchGetEntities",
				fmt.Errorf("%d keys still unprocessed after %d retries", len(unprocessed), attempt))
		}
		select {
		case <-ctx.Done():
			return apperrors.NewTransientStoreError("batchGetEntities", ctx.Err())
		case <-time.After(time.Duration(1<<attempt) * 100 * time.Millisecond):
		}
		input.RequestItems = map[string]types.KeysAndAttributes{
			s.tableName: {Keys: unprocessed},
		}
	}
}

// edges returns the stored edges selected by filter whose target passes keep
func (s *Store) edges(ctx context.Context, filter graph.RelationFilter, keep func(*graph.Entity) bool) (*graph.EdgeConnection, error) {
	relations, err := s.Outgoing(ctx, filter.FromID)
	if err != nil {
		return nil, err
	}
	selected := relations[:0]
	for _, r := range relations {
		if filter.Selects(r) {
			selected = append(selected, r)
		}
	}
	ids := make([]string, 0, len(selected))
	for _, r := range selected {
		ids = append(ids, r.ToID)
	}
	targets, err := s.Entities(ctx, ids)
	if err != nil {
		return nil, err
	}

	edges := []graph.EdgeResult{}
	for _, r := range selected {
		node, ok := targets[r.ToID]
		if !ok {
			node = &graph.Entity{ID: r.ToID}
		}
		if filter.MatchesTarget(node.Type) && keep(node) {
			edges = append(edges, graph.EdgeResult{Node: node, Relation: r})
		}
	}
	return graph.NewEdgeConnection(edges), nil
}

// FindAll returns the stored edges leaving filter.FromID
func (s *Store) FindAll(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	return s.edges(ctx, filter, func(*graph.Entity) bool { return true })
}

// Search returns stored edges whose target matches the search term
func (s *Store) Search(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	return s.edges(ctx, filter, func(node *graph.Entity) bool { return node.MatchesSearch(filter.Search) })
}

// FindAllWithInferences derives edges through the filter's intermediate relation
func (s *Store) FindAllWithInferences(ctx context.Context, filter graph.RelationFilter) (*graph.EdgeConnection, error) {
	return graph.Infer(ctx, s, filter)
}

// CreateRelation writes the relation, its locator and its guard in one
// transaction conditioned on both ends existing and the guard being absent.
func (s *Store) CreateRelation(ctx context.Context, input graph.RelationInput) (string, error) {
	if input.FromID == "" || input.ToID == "" {
		return "", apperrors.NewValidationError("fromId and toId are required")
	}

	now := s.clock.Now()
	rel := &graph.Relation{
		ID:           uuid.New().String(),
		FromID:       input.FromID,
		ToID:         input.ToID,
		FromRole:     input.FromRole,
		ToRole:       input.ToRole,
		RelationType: input.EdgeType(),
		ThroughField: input.ThroughField,
		FirstSeen:    now,
		LastSeen:     now,
	}

	relAV, err := attributevalue.MarshalMap(newRelationItem(rel))
	if err != nil {
		return "", apperrors.NewInternalError("failed to marshal relation").WithCause(err)
	}
	locatorAV, err := attributevalue.MarshalMap(locatorItem{
		PK: locatorPK(rel.ID), SK: metadataSK, FromID: rel.FromID, ToID: rel.ToID, Through: rel.ThroughField,
	})
	if err != nil {
		return "", apperrors.NewInternalError("failed to marshal relation locator").WithCause(err)
	}

	exists := aws.String("attribute_exists(PK)")
	items := []types.TransactWriteItem{
		{ConditionCheck: &types.ConditionCheck{
			TableName: aws.String(s.tableName), Key: key(entityPK(rel.FromID), metadataSK), ConditionExpression: exists,
		}},
		{ConditionCheck: &types.ConditionCheck{
			TableName: aws.String(s.tableName), Key: key(entityPK(rel.ToID), metadataSK), ConditionExpression: exists,
		}},
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: relAV}},
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: locatorAV}},
	}
	if rel.ThroughField != "" {
		guardAV, err := attributevalue.MarshalMap(guardItem{
			PK: entityPK(rel.FromID), SK: guardSK(rel.ThroughField, rel.ToID), RelationID: rel.ID,
		})
		if err != nil {
			return "", apperrors.NewInternalError("failed to marshal relation guard").WithCause(err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                guardAV,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if reasons, ok := cancellationReasons(err); ok {
			for i, code := range reasons {
				if code != "ConditionalCheckFailed" {
					continue
				}
				switch i {
				case 0:
					return "", apperrors.NewNotFoundError(fmt.Sprintf("entity %s", rel.FromID))
				case 1:
					return "", apperrors.NewNotFoundError(fmt.Sprintf("entity %s", rel.ToID))
				default:
					return "", apperrors.NewConflictError(fmt.Sprintf("%s already holds %s on %s", rel.FromID, rel.ToID, rel.ThroughField))
				}
			}
		}
		return "", storeError("createRelation", err)
	}

	s.logger.Debug("Relation created",
		zap.String("relationID", rel.ID),
		zap.String("fromID", rel.FromID),
		zap.String("toID", rel.ToID),
		zap.String("type", rel.RelationType),
	)
	return rel.ID, nil
}

// DeleteRelation removes a relation with its locator and guard
func (s *Store) DeleteRelation(ctx context.Context, relationID string) error {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(locatorPK(relationID), metadataSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return storeError("deleteRelation", err)
	}
	if len(out.Item) == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("relation %s", relationID))
	}
	var loc locatorItem
	if err := attributevalue.UnmarshalMap(out.Item, &loc); err != nil {
		return apperrors.NewInternalError("failed to unmarshal relation locator").WithCause(err)
	}

	items := []types.TransactWriteItem{
		{Delete: &types.Delete{
			TableName:           aws.String(s.tableName),
			Key:                 key(entityPK(loc.FromID), relationSK(relationID)),
			ConditionExpression: aws.String("attribute_exists(PK)"),
		}},
		{Delete: &types.Delete{TableName: aws.String(s.tableName), Key: key(locatorPK(relationID), metadataSK)}},
	}
	if loc.Through != "" {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key:       key(entityPK(loc.FromID), guardSK(loc.Through, loc.ToID)),
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if reasons, ok := cancellationReasons(err); ok && len(reasons) > 0 && reasons[0] == "ConditionalCheckFailed" {
			return apperrors.NewNotFoundError(fmt.Sprintf("relation %s", relationID))
		}
		return storeError("deleteRelation", err)
	}
	return nil
}

// PatchAttribute sets one attribute and returns the updated entity
func (s *Store) PatchAttribute(ctx context.Context, entityID, name string, value interface{}) (*graph.Entity, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("attribute name is required")
	}

	update := expression.Set(expression.Name("Attributes").AppendName(expression.Name(name)), expression.Value(value)).
		Set(expression.Name("UpdatedAt"), expression.Value(s.clock.Now().UTC().Format(time.RFC3339)))
	condition := expression.AttributeExists(expression.Name("PK"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(condition).Build()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build expression").WithCause(err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       key(entityPK(entityID), metadataSK),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("entity %s", entityID))
		}
		return nil, storeError("patchAttribute", err)
	}
	return s.GetByID(ctx, entityID)
}
