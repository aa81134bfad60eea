package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphcollab/application/commands"
	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

var scope = commands.SessionScope{SessionID: "s1", UserID: "alice"}

func TestParseInbound(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":" Field_Patch ","entityId":"R1","field":"name","value":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgFieldPatch, msg.Type)

	_, err = ParseInbound([]byte(`{}`))
	assert.True(t, apperrors.IsValidation(err))
	_, err = ParseInbound([]byte(`{`))
	assert.True(t, apperrors.IsValidation(err))
}

func TestInbound_Command(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want interface{}
	}{
		{
			name: "field patch decodes value",
			raw:  `{"type":"field_patch","entityId":"R1","field":"confidence","value":75}`,
			want: commands.FieldPatchCommand{SessionScope: scope, EntityID: "R1", Field: "confidence", Value: float64(75)},
		},
		{
			name: "context patch accepts field alias",
			raw:  `{"type":"context_patch","entityId":"R1","field":"name"}`,
			want: commands.ContextPatchCommand{SessionScope: scope, EntityID: "R1", Field: "name"},
		},
		{
			name: "pong is a heartbeat",
			raw:  `{"type":"pong"}`,
			want: commands.HeartbeatCommand{SessionScope: scope},
		},
		{
			name: "relations set accepts bare ids",
			raw:  `{"type":"relations_set","entityId":"R1","value":["M1","M2"],"fromRole":"so","toRole":"marking","through":"object_marking_refs"}`,
			want: &commands.RelationsSetCommand{
				SessionScope: scope,
				EntityID:     "R1",
				Desired:      []graph.RelationOption{{Value: "M1"}, {Value: "M2"}},
				RelationSpec: graph.RelationSpec{FromRole: "so", ToRole: "marking", ThroughField: "object_marking_refs"},
			},
		},
		{
			name: "relations set accepts options",
			raw:  `{"type":"relations_set","entityId":"R1","value":[{"label":"TLP:GREEN","value":"M1"}],"through":"object_marking_refs"}`,
			want: &commands.RelationsSetCommand{
				SessionScope: scope,
				EntityID:     "R1",
				Desired:      []graph.RelationOption{{Label: "TLP:GREEN", Value: "M1"}},
				RelationSpec: graph.RelationSpec{ThroughField: "object_marking_refs"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInbound([]byte(tt.raw))
			require.NoError(t, err)

			cmd, err := msg.Command(scope)

			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestInbound_CommandRejectsUnknown(t *testing.T) {
	msg, _ := ParseInbound([]byte(`{"type":"teleport"}`))

	_, err := msg.Command(scope)

	assert.True(t, apperrors.IsValidation(err))
}

func TestInbound_SubscribeHasNoCommand(t *testing.T) {
	msg, _ := ParseInbound([]byte(`{"type":"subscribe","entityIds":["R1"]}`))

	cmd, err := msg.Command(scope)

	assert.NoError(t, err)
	assert.Nil(t, cmd)
}
