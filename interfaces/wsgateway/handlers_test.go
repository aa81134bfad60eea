package wsgateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainevents "graphcollab/domain/events"
	"graphcollab/infrastructure/realtime/apigateway"
	"graphcollab/pkg/auth"
)

type mockDynamo struct {
	mock.Mock
}

func (m *mockDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.QueryOutput)
	return out, args.Error(1)
}

type recordingPoster struct {
	mu   sync.Mutex
	sent map[string][]byte
}

func (p *recordingPoster) PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[aws.ToString(in.ConnectionId)] = in.Data
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

type gatewayFixture struct {
	db        *mockDynamo
	poster    *recordingPoster
	validator *auth.Validator
	handlers  *Handlers
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := zap.NewNop()
	db := &mockDynamo{}
	poster := &recordingPoster{sent: map[string][]byte{}}
	validator, err := auth.NewValidator("test-secret", "graphcollab", time.Hour)
	require.NoError(t, err)
	registry := apigateway.NewRegistry(db, "connections", "GSI1", logger)
	fanout := apigateway.NewFanout(registry, poster, nil, 2, logger)
	return &gatewayFixture{
		db:        db,
		poster:    poster,
		validator: validator,
		handlers:  NewHandlers(registry, fanout, validator, logger),
	}
}

func wsRequest(connectionID, body string) events.APIGatewayWebsocketProxyRequest {
	return events.APIGatewayWebsocketProxyRequest{
		Body:           body,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{ConnectionID: connectionID},
	}
}

func itemsOf(t *testing.T, conns ...apigateway.Connection) []map[string]types.AttributeValue {
	t.Helper()
	out := make([]map[string]types.AttributeValue, 0, len(conns))
	for _, c := range conns {
		av, err := attributevalue.MarshalMap(c)
		require.NoError(t, err)
		out = append(out, av)
	}
	return out
}

func decodeFrame(t *testing.T, body string) domainevents.Frame {
	t.Helper()
	var f domainevents.Frame
	require.NoError(t, json.Unmarshal([]byte(body), &f))
	return f
}

func TestConnect_RecordsAuthenticatedConnection(t *testing.T) {
	// Arrange
	f := newGatewayFixture(t)
	var put *dynamodb.PutItemInput
	f.db.On("PutItem", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { put = args.Get(1).(*dynamodb.PutItemInput) }).
		Return(&dynamodb.PutItemOutput{}, nil)
	token, err := f.validator.Issue("alice", "", nil)
	require.NoError(t, err)
	req := wsRequest("c1", "")
	req.QueryStringParameters = map[string]string{"token": token}

	// Act
	resp, err := f.handlers.Connect(context.Background(), req)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var c apigateway.Connection
	require.NoError(t, attributevalue.UnmarshalMap(put.Item, &c))
	assert.Equal(t, "CONN#c1", c.PK)
	assert.Equal(t, "alice", c.UserID)
}

func TestConnect_RejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	req := wsRequest("c1", "")
	req.QueryStringParameters = map[string]string{"token": "garbage"}

	resp, err := f.handlers.Connect(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	f.db.AssertNotCalled(t, "PutItem", mock.Anything, mock.Anything)
}

func TestDefault_SubscribeUsesConnectionOwner(t *testing.T) {
	// Arrange
	f := newGatewayFixture(t)
	f.db.On("Query", mock.Anything, mock.Anything).Return(&dynamodb.QueryOutput{Items: itemsOf(t,
		apigateway.Connection{PK: "CONN#c1", SK: "METADATA", ConnectionID: "c1", UserID: "alice"},
	)}, nil)
	var puts []apigateway.Connection
	f.db.On("PutItem", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			var c apigateway.Connection
			require.NoError(t, attributevalue.UnmarshalMap(args.Get(1).(*dynamodb.PutItemInput).Item, &c))
			puts = append(puts, c)
		}).
		Return(&dynamodb.PutItemOutput{}, nil)

	// Act
	resp, err := f.handlers.Default(context.Background(),
		wsRequest("c1", `{"type":"subscribe","requestId":"s1","entityIds":["R1","R2"]}`))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeFrame(t, resp.Body)
	assert.Equal(t, domainevents.FrameAck, ack.Type)
	assert.Equal(t, "s1", ack.RequestID)
	require.Len(t, puts, 2)
	assert.Equal(t, "alice", puts[0].UserID)
	assert.Equal(t, "SUBSCRIBERS#R2", puts[1].GSI1PK)
}

func TestDefault_UnknownConnection(t *testing.T) {
	f := newGatewayFixture(t)
	f.db.On("Query", mock.Anything, mock.Anything).Return(&dynamodb.QueryOutput{}, nil)

	resp, err := f.handlers.Default(context.Background(),
		wsRequest("c9", `{"type":"subscribe","requestId":"s1","entityIds":["R1"]}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, domainevents.FrameError, decodeFrame(t, resp.Body).Type)
}

func TestDefault_EditsAreRejected(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := f.handlers.Default(context.Background(),
		wsRequest("c1", `{"type":"field_patch","requestId":"e1","entityId":"R1","field":"name","value":"x"}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	frame := decodeFrame(t, resp.Body)
	assert.Equal(t, "e1", frame.RequestID)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, "UNSUPPORTED_MESSAGE", data["code"])
}

func TestDefault_Heartbeat(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := f.handlers.Default(context.Background(), wsRequest("c1", `{"type":"heartbeat"}`))

	require.NoError(t, err)
	assert.Equal(t, domainevents.FramePong, decodeFrame(t, resp.Body).Type)
}

func TestDisconnect_Failure(t *testing.T) {
	f := newGatewayFixture(t)
	f.db.On("Query", mock.Anything, mock.Anything).Return(nil, stderrors.New("timeout"))

	resp, err := f.handlers.Disconnect(context.Background(), wsRequest("c1", ""))

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSend_DeliversMirroredEvent(t *testing.T) {
	// Arrange
	f := newGatewayFixture(t)
	f.db.On("Query", mock.Anything, mock.Anything).Return(&dynamodb.QueryOutput{Items: itemsOf(t,
		apigateway.Connection{PK: "CONN#c2", SK: "SUB#R1", GSI1PK: "SUBSCRIBERS#R1", ConnectionID: "c2", UserID: "bob", EntityID: "R1"},
	)}, nil)
	detail := `{"topic":{"entity_id":"R1","kind":"edit"},"entity_id":"R1","origin_user_id":"alice",` +
		`"payload":{"field":"name"},"timestamp":"2024-03-04T10:00:00Z"}`

	// Act
	err := f.handlers.Send(context.Background(), events.EventBridgeEvent{
		ID:         "evt-1",
		DetailType: "entity.edit",
		Detail:     json.RawMessage(detail),
	})

	// Assert
	require.NoError(t, err)
	require.Contains(t, f.poster.sent, "c2")
	frame := decodeFrame(t, string(f.poster.sent["c2"]))
	assert.Equal(t, "R1/edit", frame.Topic)
	assert.JSONEq(t, `{"field":"name"}`, string(frame.Data))
}

func TestSend_DropsMalformedDetail(t *testing.T) {
	f := newGatewayFixture(t)

	err := f.handlers.Send(context.Background(), events.EventBridgeEvent{Detail: json.RawMessage(`{"payload":{}}`)})

	assert.NoError(t, err)
	f.db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}
