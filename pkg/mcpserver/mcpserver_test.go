package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTools struct{}

func (stubTools) List() []any { return []any{map[string]any{"name": "control_device"}} }
func (stubTools) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return map[string]any{"total": 1, "successful": 1, "failed": 0}, nil
}

type stubResources struct{}

func (stubResources) List() []any     { return []any{map[string]any{"uri": "loxone://rooms"}} }
func (stubResources) Templates() []any { return nil }
func (stubResources) Read(ctx context.Context, uri string) (any, error) {
	return map[string]any{"rooms": []string{}}, nil
}

type stubPrompts struct{}

func (stubPrompts) List() []any { return nil }
func (stubPrompts) Get(ctx context.Context, name string, args map[string]string) (any, error) {
	return map[string]any{}, nil
}

func newTestServer() *Server {
	return New(ServerInfo{Name: "loxone-mcp-gateway", Version: "1.0.0"}, stubTools{}, stubResources{}, stubPrompts{})
}

func TestServer_RejectsCallsBeforeInitialize(t *testing.T) {
	s := newTestServer()
	resp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32002, resp.Error.Code)
}

func TestServer_PingAllowedBeforeInitialize(t *testing.T) {
	s := newTestServer()
	resp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestServer_InitializeThenToolsList(t *testing.T) {
	s := newTestServer()
	initResp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NotNil(t, initResp)
	assert.Nil(t, initResp.Error)

	listResp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NotNil(t, listResp)
	assert.Nil(t, listResp.Error)
}

func TestServer_SubscribeUnsubscribe(t *testing.T) {
	s := newTestServer()
	s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"loxone://rooms"}}`))
	assert.Equal(t, []string{"loxone://rooms"}, s.Subscriptions())

	s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"resources/unsubscribe","params":{"uri":"loxone://rooms"}}`))
	assert.Empty(t, s.Subscriptions())
}

func TestServer_ToolsCall(t *testing.T) {
	s := newTestServer()
	s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	resp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"control_device","arguments":{}}}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "successful")
}

// TestServer_InitializeMatchesScenario1 pins the literal initialize
// result payload from the end-to-end scenario 1: protocolVersion is an
// object, not a date string.
func TestServer_InitializeMatchesScenario1(t *testing.T) {
	s := newTestServer()
	resp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var got map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, map[string]any{"major": float64(0), "minor": float64(1), "patch": float64(0)}, got["protocolVersion"])
	assert.Equal(t, map[string]any{
		"tools":     map[string]any{},
		"resources": map[string]any{"subscribe": true},
		"prompts":   map[string]any{},
	}, got["capabilities"])
	assert.Equal(t, map[string]any{"name": "loxone-mcp-gateway", "version": "1.0.0"}, got["serverInfo"])
}

// TestServer_ToolsCallResultIsUnwrapped pins scenario 1's tools/call
// step: the tool document is the JSON-RPC result directly, with no
// content/result envelope around it.
func TestServer_ToolsCallResultIsUnwrapped(t *testing.T) {
	s := newTestServer()
	s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	resp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"control_device","arguments":{"device":"Living Room Light","action":"on"}}}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var got map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	_, hasEnvelope := got["content"]
	assert.False(t, hasEnvelope, "result must not be wrapped in a content/result envelope")
	assert.EqualValues(t, 1, got["total"])
	assert.EqualValues(t, 1, got["successful"])
	assert.EqualValues(t, 0, got["failed"])
}

// TestServer_ToolsCallAmbiguousMatchesScenario3 pins scenario 3's
// tool-level error shape: a JSON-RPC success whose result carries the
// AmbiguousOrNotFound document with candidates.
func TestServer_ToolsCallAmbiguousMatchesScenario3(t *testing.T) {
	s := New(ServerInfo{Name: "loxone-mcp-gateway", Version: "1.0.0"}, ambiguousTools{}, stubResources{}, stubPrompts{})
	s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	resp := s.Engine().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"control_device","arguments":{"device":"Light","action":"on"}}}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var got map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, "error", got["status"])
	assert.Equal(t, "AmbiguousOrNotFound", got["message"])
	assert.Equal(t, []any{"Living Room Light", "Kitchen Light"}, got["candidates"])
}

type ambiguousTools struct{ stubTools }

func (ambiguousTools) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return map[string]any{
		"status":     "error",
		"message":    "AmbiguousOrNotFound",
		"candidates": []string{"Living Room Light", "Kitchen Light"},
	}, nil
}
