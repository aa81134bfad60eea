package websocket

import (
	"encoding/json"
	"strings"

	"graphcollab/application/commands"
	"graphcollab/application/commands/bus"
	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

// Inbound message types
const (
	MsgSubscribe      = "subscribe"
	MsgUnsubscribe    = "unsubscribe"
	MsgHeartbeat      = "heartbeat"
	MsgPong           = "pong"
	MsgContextPatch   = "context_patch"
	MsgContextClean   = "context_clean"
	MsgFieldPatch     = "field_patch"
	MsgRelationAdd    = "relation_add"
	MsgRelationDelete = "relation_delete"
	MsgRelationsSet   = "relations_set"
)

// Inbound is a client-to-server message. Which fields matter depends on Type.
type Inbound struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	EntityIDs  []string        `json:"entityIds,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	Field      string          `json:"field,omitempty"`
	FocusOn    string          `json:"focusOn,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	ToID       string          `json:"toId,omitempty"`
	RelationID string          `json:"relationId,omitempty"`
	graph.RelationSpec
}

// ParseInbound decodes one text message
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.NewValidationError("message is not valid JSON").WithCause(err)
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	if msg.Type == "" {
		return nil, apperrors.NewValidationError("message type is required")
	}
	return &msg, nil
}

// Command translates an edit message into the command it carries. It
// returns nil for messages the connection handles itself.
func (m *Inbound) Command(scope commands.SessionScope) (bus.Command, error) {
	switch m.Type {
	case MsgHeartbeat, MsgPong:
		return commands.HeartbeatCommand{SessionScope: scope}, nil
	case MsgContextPatch:
		field := m.FocusOn
		if field == "" {
			field = m.Field
		}
		return commands.ContextPatchCommand{SessionScope: scope, EntityID: m.EntityID, Field: field}, nil
	case MsgContextClean:
		return commands.ContextCleanCommand{SessionScope: scope, EntityID: m.EntityID}, nil
	case MsgFieldPatch:
		var value interface{}
		if len(m.Value) > 0 {
			if err := json.Unmarshal(m.Value, &value); err != nil {
				return nil, apperrors.NewValidationError("value is not valid JSON").WithCause(err)
			}
		}
		return commands.FieldPatchCommand{SessionScope: scope, EntityID: m.EntityID, Field: m.Field, Value: value}, nil
	case MsgRelationAdd:
		return &commands.RelationAddCommand{SessionScope: scope, EntityID: m.EntityID, ToID: m.ToID, RelationSpec: m.RelationSpec}, nil
	case MsgRelationDelete:
		return commands.RelationDeleteCommand{SessionScope: scope, EntityID: m.EntityID, RelationID: m.RelationID, ThroughField: m.ThroughField}, nil
	case MsgRelationsSet:
		desired, err := decodeOptions(m.Value)
		if err != nil {
			return nil, err
		}
		return &commands.RelationsSetCommand{SessionScope: scope, EntityID: m.EntityID, Desired: desired, RelationSpec: m.RelationSpec}, nil
	case MsgSubscribe, MsgUnsubscribe:
		return nil, nil
	}
	return nil, apperrors.NewValidationError("unknown message type " + m.Type)
}

// decodeOptions accepts either option objects or bare target ids
func decodeOptions(raw json.RawMessage) ([]graph.RelationOption, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []graph.RelationOption{}, nil
	}
	var options []graph.RelationOption
	if err := json.Unmarshal(raw, &options); err == nil {
		return options, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, apperrors.NewValidationError("value must be a list of options or ids").WithCause(err)
	}
	options = make([]graph.RelationOption, 0, len(ids))
	for _, id := range ids {
		options = append(options, graph.RelationOption{Value: id})
	}
	return options, nil
}

// result is what an ack carries back for commands that produce output
func result(cmd bus.Command) interface{} {
	switch c := cmd.(type) {
	case *commands.RelationAddCommand:
		return map[string]string{"relationId": c.RelationID}
	case *commands.RelationsSetCommand:
		return map[string]interface{}{
			"added":         c.Added,
			"removed":       c.Removed,
			"failedAdds":    c.FailedAdds,
			"failedRemoves": c.FailedRemoves,
		}
	}
	return nil
}
