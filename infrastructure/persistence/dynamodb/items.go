package dynamodb

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"graphcollab/domain/graph"
)

// Table layout. One partition per entity holds its metadata, its outgoing
// relations and one guard item per (through field, target) pair. A separate
// item per relation id lets a relation be deleted by id alone.
//
//	PK              SK                        item
//	ENTITY#<id>     METADATA                  entity
//	ENTITY#<from>   REL#<relationId>          relation (GSI1PK TARGET#<to>)
//	ENTITY#<from>   THROUGH#<field>#<to>      uniqueness guard
//	RELATION#<id>   METADATA                  relation locator
const (
	entityPrefix   = "ENTITY#"
	relationPrefix = "REL#"
	throughPrefix  = "THROUGH#"
	locatorPrefix  = "RELATION#"
	targetPrefix   = "TARGET#"
	metadataSK     = "METADATA"
)

type entityItem struct {
	PK         string                 `dynamodbav:"PK"`
	SK         string                 `dynamodbav:"SK"`
	EntityID   string                 `dynamodbav:"EntityID"`
	EntityType string                 `dynamodbav:"EntityType"`
	Attributes map[string]interface{} `dynamodbav:"Attributes"`
	UpdatedAt  string                 `dynamodbav:"UpdatedAt"`
}

type relationItem struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	GSI1PK       string `dynamodbav:"GSI1PK"`
	GSI1SK       string `dynamodbav:"GSI1SK"`
	RelationID   string `dynamodbav:"RelationID"`
	FromID       string `dynamodbav:"FromID"`
	ToID         string `dynamodbav:"ToID"`
	FromRole     string `dynamodbav:"FromRole"`
	ToRole       string `dynamodbav:"ToRole"`
	RelationType string `dynamodbav:"RelationType"`
	Through      string `dynamodbav:"Through,omitempty"`
	FirstSeen    string `dynamodbav:"FirstSeen"`
	LastSeen     string `dynamodbav:"LastSeen"`
}

type guardItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	RelationID string `dynamodbav:"RelationID"`
}

type locatorItem struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	FromID  string `dynamodbav:"FromID"`
	ToID    string `dynamodbav:"ToID"`
	Through string `dynamodbav:"Through,omitempty"`
}

func entityPK(id string) string {
	return entityPrefix + id
}

func relationSK(relationID string) string {
	return relationPrefix + relationID
}

func guardSK(through, toID string) string {
	return fmt.Sprintf("%s%s#%s", throughPrefix, through, toID)
}

func locatorPK(relationID string) string {
	return locatorPrefix + relationID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func newRelationItem(r *graph.Relation) relationItem {
	return relationItem{
		PK:           entityPK(r.FromID),
		SK:           relationSK(r.ID),
		GSI1PK:       targetPrefix + r.ToID,
		GSI1SK:       relationSK(r.ID),
		RelationID:   r.ID,
		FromID:       r.FromID,
		ToID:         r.ToID,
		FromRole:     r.FromRole,
		ToRole:       r.ToRole,
		RelationType: r.RelationType,
		Through:      r.ThroughField,
		FirstSeen:    r.FirstSeen.UTC().Format(time.RFC3339Nano),
		LastSeen:     r.LastSeen.UTC().Format(time.RFC3339Nano),
	}
}

func (i relationItem) toRelation() *graph.Relation {
	firstSeen, _ := time.Parse(time.RFC3339Nano, i.FirstSeen)
	lastSeen, _ := time.Parse(time.RFC3339Nano, i.LastSeen)
	return &graph.Relation{
		ID:           i.RelationID,
		FromID:       i.FromID,
		ToID:         i.ToID,
		FromRole:     i.FromRole,
		ToRole:       i.ToRole,
		RelationType: i.RelationType,
		ThroughField: i.Through,
		FirstSeen:    firstSeen,
		LastSeen:     lastSeen,
	}
}

func newEntityItem(e *graph.Entity, now time.Time) entityItem {
	attributes := e.Attributes
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	return entityItem{
		PK:         entityPK(e.ID),
		SK:         metadataSK,
		EntityID:   e.ID,
		EntityType: e.Type,
		Attributes: attributes,
		UpdatedAt:  now.UTC().Format(time.RFC3339),
	}
}

func (i entityItem) toEntity() *graph.Entity {
	attributes := i.Attributes
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	return &graph.Entity{ID: i.EntityID, Type: i.EntityType, Attributes: attributes}
}

func isRelationSK(sk string) bool {
	return strings.HasPrefix(sk, relationPrefix)
}
