// Package transport implements the Transport Adapters (spec §4.M): a
// shared contract plus stdio and HTTP bindings over the MCP protocol
// handler's JSON-RPC engine. Grounded on the teacher's pkg/gateway
// transport wiring (stdio/SSE dispatch, health handler, origin
// security) generalized away from the go-sdk/mcp transport types.
package transport

import (
	"context"

	"github.com/loxone-mcp/gateway/pkg/rpc"
)

// MessageHandler processes one already-framed JSON-RPC message and
// returns nil for notifications, matching *rpc.Engine.HandleMessage.
type MessageHandler interface {
	HandleMessage(ctx context.Context, raw []byte) *rpc.Response
}

// Transport is the shared contract both stdio and HTTP adapters
// satisfy, per spec §4.M.
type Transport interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
}
