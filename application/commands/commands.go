// Package commands holds the edit intents a session owner sends, and the
// handlers that run them against the owner's session.
package commands

import (
	"fmt"

	"go.uber.org/zap"

	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
	"graphcollab/pkg/utils"
)

// MaxDesiredValues bounds one relations-set call
const MaxDesiredValues = 500

// SessionScope identifies the session a command runs in and its owner
type SessionScope struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
}

// LogFields identifies the sender in command logs
func (s SessionScope) LogFields() []zap.Field {
	return []zap.Field{zap.String("sessionID", s.SessionID), zap.String("userID", s.UserID)}
}

// FieldPatchCommand edits one attribute; the write is debounced
type FieldPatchCommand struct {
	SessionScope
	EntityID string      `json:"entityId" validate:"required"`
	Field    string      `json:"field" validate:"required"`
	Value    interface{} `json:"value"`
}

// Validate checks the command shape. Value rules run in the debouncer.
func (c FieldPatchCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// ContextPatchCommand focuses a field
type ContextPatchCommand struct {
	SessionScope
	EntityID string `json:"entityId" validate:"required"`
	Field    string `json:"focusOn" validate:"required"`
}

func (c ContextPatchCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// ContextCleanCommand clears the owner's focus on an entity
type ContextCleanCommand struct {
	SessionScope
	EntityID string `json:"entityId" validate:"required"`
}

func (c ContextCleanCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// RelationAddCommand creates one edge. RelationID is set on success.
type RelationAddCommand struct {
	SessionScope
	EntityID string `json:"entityId" validate:"required"`
	ToID     string `json:"toId" validate:"required"`
	graph.RelationSpec

	RelationID string `json:"-"`
}

func (c *RelationAddCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// RelationDeleteCommand removes one edge
type RelationDeleteCommand struct {
	SessionScope
	EntityID     string `json:"entityId" validate:"required"`
	RelationID   string `json:"relationId" validate:"required"`
	ThroughField string `json:"through"`
}

func (c RelationDeleteCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// RelationsSetCommand converges a multi-valued relation field to Desired.
// The handler fills the outcome: Added holds target ids and Removed holds
// relation ids that now match the store; the Failed lists were not written.
type RelationsSetCommand struct {
	SessionScope
	EntityID string                 `json:"entityId" validate:"required"`
	Desired  []graph.RelationOption `json:"value" validate:"dive"`
	graph.RelationSpec

	Added         []string `json:"-"`
	Removed       []string `json:"-"`
	FailedAdds    []string `json:"-"`
	FailedRemoves []string `json:"-"`
}

// Failures counts the edge operations that were not written
func (c *RelationsSetCommand) Failures() int {
	return len(c.FailedAdds) + len(c.FailedRemoves)
}

// Partial reports whether some but not all of the diff reached the store
func (c *RelationsSetCommand) Partial() bool {
	return c.Failures() > 0 && len(c.Added)+len(c.Removed) > 0
}

func (c *RelationsSetCommand) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}
	if len(c.Desired) > MaxDesiredValues {
		return apperrors.NewValidationError(fmt.Sprintf("at most %d values can be set at once", MaxDesiredValues))
	}
	return nil
}

// HeartbeatCommand keeps a session and its focus claims alive
type HeartbeatCommand struct {
	SessionScope
}

func (c HeartbeatCommand) Validate() error {
	return utils.ValidateStruct(c)
}
