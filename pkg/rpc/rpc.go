// Package rpc implements the JSON-RPC 2.0 Engine (spec §4.G): framing,
// validation, dispatch, and the error-code mapping shared by every
// transport binding.
package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// ID is a JSON-RPC request identifier: a string, a number, or null.
// Raw JSON is kept verbatim so responses echo it back exactly as
// received, per spec §4.G.
type ID struct {
	raw    json.RawMessage
	absent bool
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.absent || id.raw == nil {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// IsNotification reports whether the originating request carried no
// "id" member at all (as opposed to an explicit `"id": null`).
func (id ID) IsNotification() bool { return id.absent }

// Request is an inbound JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	hasID bool
}

// UnmarshalJSON customizes parsing so we can tell "id absent" (a
// notification) apart from "id explicitly null".
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	var probe struct {
		alias
		RawID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*r = Request(probe.alias)
	if probe.RawID == nil {
		r.ID = ID{absent: true}
	} else {
		r.ID = ID{raw: probe.RawID}
		r.hasID = true
	}
	return nil
}

// IsNotification reports whether this request expects no response.
func (r Request) IsNotification() bool {
	return !r.hasID
}

// Response is an outbound JSON-RPC 2.0 response. Exactly one of Result
// or Error is populated, per spec §4.G.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the JSON-RPC 2.0 error object.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler processes one already-validated method call and returns a
// JSON-serializable result or an error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// ParamValidator validates raw params against a method's schema before
// the handler runs, per spec §4.G "-32602 if params fails schema
// validation". A nil validator accepts any params.
type ParamValidator func(params json.RawMessage) error

type methodEntry struct {
	handler   Handler
	validator ParamValidator
}

// Engine is the JSON-RPC 2.0 dispatch table.
type Engine struct {
	methods map[string]methodEntry
}

func NewEngine() *Engine {
	return &Engine{methods: make(map[string]methodEntry)}
}

// Register adds a method to the dispatch table. validator may be nil.
func (e *Engine) Register(method string, handler Handler, validator ParamValidator) {
	e.methods[method] = methodEntry{handler: handler, validator: validator}
}

// HandleMessage parses and dispatches one JSON-RPC message (a single
// line for stdio, a single HTTP body for the HTTP transport). It
// returns nil when the message was a well-formed notification, since
// those produce no response per spec §4.G.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(ID{absent: true}, -32700, "Parse error", nil)
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, -32600, "Invalid Request", nil)
	}

	entry, ok := e.methods[req.Method]
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, -32601, "Method not found: "+req.Method, nil)
	}

	if entry.validator != nil {
		if err := entry.validator(req.Params); err != nil {
			if req.IsNotification() {
				return nil
			}
			return errorResponse(req.ID, -32602, "Invalid params", err.Error())
		}
	}

	result, err := entry.handler(ctx, req.Params)
	if req.IsNotification() {
		// Spec §4.G: "errors from notifications are dropped."
		return nil
	}
	if err != nil {
		return errorFromHandlerErr(req.ID, err)
	}

	resultJSON, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return errorResponse(req.ID, -32603, "Internal error", marshalErr.Error())
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}
}

func errorFromHandlerErr(id ID, err error) *Response {
	if code, ok := errorFromHandlerErrCode(err); ok {
		return errorResponse(id, code, err.Error(), nil)
	}

	kind := errs.KindOf(err)
	var data any
	var ee *errs.Error
	if errors.As(err, &ee) && ee.Data != nil {
		data = ee.Data
	}
	return errorResponse(id, kind.JSONRPCCode(), err.Error(), data)
}

func errorResponse(id ID, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &WireError{Code: code, Message: message, Data: data},
	}
}

// NotInitializedError is returned by handlers gated on the MCP
// protocol state machine's Initialized state (spec §4.H): code -32002
// has no Kind mapping in pkg/errs since it's specific to this protocol
// layer, not the Miniserver's own error taxonomy.
type NotInitializedError struct{}

func (NotInitializedError) Error() string { return "Server not initialized" }

// errorFromHandlerErrCode special-cases errors that carry their own
// fixed JSON-RPC code instead of going through pkg/errs.Kind.
func errorFromHandlerErrCode(err error) (int, bool) {
	if _, ok := err.(NotInitializedError); ok {
		return -32002, true
	}
	return 0, false
}
