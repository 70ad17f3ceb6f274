// Package mcpserver implements the MCP Protocol Handler (spec §4.H):
// the initialize/initialized handshake, the fixed method table, and
// the subscription registry, sitting on top of the generic pkg/rpc
// engine. The registry is one set of URIs shared by every caller of a
// Server; it is not kept per session.
package mcpserver

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/log"
	"github.com/loxone-mcp/gateway/pkg/rpc"
)

// ServerInfo names this gateway in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities mirrors the capability document returned by initialize,
// per spec §6: `{tools:{}, resources:{subscribe:true}, prompts:{}}`.
type Capabilities struct {
	Tools     map[string]any `json:"tools"`
	Resources ResourcesCaps  `json:"resources"`
	Prompts   map[string]any `json:"prompts"`
}

type ResourcesCaps struct {
	Subscribe bool `json:"subscribe"`
}

// ProtocolVersion is the gateway's MCP wire version (spec §6), reported
// verbatim in the initialize handshake rather than as a date string.
type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

var currentProtocolVersion = ProtocolVersion{Major: 0, Minor: 1, Patch: 0}

// ToolCatalog, ResourceRouter, PromptCatalog are the collaborators
// plugged into Server; they're interfaces so the protocol layer stays
// independent of the concrete tool/resource implementations.
type ToolCatalog interface {
	List() []any
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

type ResourceRouter interface {
	List() []any
	Read(ctx context.Context, uri string) (any, error)
	Templates() []any
}

type PromptCatalog interface {
	List() []any
	Get(ctx context.Context, name string, args map[string]string) (any, error)
}

// Server is the MCP Protocol Handler state machine (spec §4.H).
type Server struct {
	info   ServerInfo
	tools  ToolCatalog
	res    ResourceRouter
	prompt PromptCatalog

	initialized atomic.Bool

	subsMu sync.Mutex
	subs   map[string]struct{} // subscribed resource URIs, single session

	engine *rpc.Engine
}

func New(info ServerInfo, tools ToolCatalog, res ResourceRouter, prompt PromptCatalog) *Server {
	s := &Server{
		info:   info,
		tools:  tools,
		res:    res,
		prompt: prompt,
		subs:   make(map[string]struct{}),
	}
	s.engine = rpc.NewEngine()
	s.registerMethods()
	return s
}

// Engine exposes the underlying JSON-RPC engine so transports can feed
// it raw messages directly.
func (s *Server) Engine() *rpc.Engine { return s.engine }

func (s *Server) registerMethods() {
	s.engine.Register("initialize", s.handleInitialize, nil)
	s.engine.Register("notifications/initialized", s.gated(s.handleInitialized), nil)
	s.engine.Register("ping", s.handlePing, nil)
	s.engine.Register("tools/list", s.gated(s.handleToolsList), nil)
	s.engine.Register("tools/call", s.gated(s.handleToolsCall), nil)
	s.engine.Register("resources/list", s.gated(s.handleResourcesList), nil)
	s.engine.Register("resources/read", s.gated(s.handleResourcesRead), nil)
	s.engine.Register("resources/templates/list", s.gated(s.handleResourceTemplates), nil)
	s.engine.Register("resources/subscribe", s.gated(s.handleSubscribe), nil)
	s.engine.Register("resources/unsubscribe", s.gated(s.handleUnsubscribe), nil)
	s.engine.Register("prompts/list", s.gated(s.handlePromptsList), nil)
	s.engine.Register("prompts/get", s.gated(s.handlePromptsGet), nil)
	s.engine.Register("completion/complete", s.gated(s.handleCompletion), nil)
	s.engine.Register("logging/setLevel", s.gated(s.handleSetLevel), nil)
}

// gated wraps a handler so it fails with -32002 while Uninitialized,
// per spec §4.H "Calls other than initialize/ping ... fail with
// -32002".
func (s *Server) gated(h rpc.Handler) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		if !s.initialized.Load() {
			return nil, rpc.NotInitializedError{}
		}
		return h(ctx, params)
	}
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	s.initialized.Store(true)
	return map[string]any{
		"protocolVersion": currentProtocolVersion,
		"capabilities": Capabilities{
			Tools:     map[string]any{},
			Resources: ResourcesCaps{Subscribe: true},
			Prompts:   map[string]any{},
		},
		"serverInfo": s.info,
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{}, nil
}

func (s *Server) handlePing(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{}, nil
}

func (s *Server) handleToolsList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"tools": s.tools.List()}, nil
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed tools/call params", err)
	}
	result, err := s.tools.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleResourcesList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"resources": s.res.List()}, nil
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, error) {
	var p resourceReadParams
	_ = json.Unmarshal(params, &p)
	doc, err := s.res.Read(ctx, p.URI)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contents": []any{map[string]any{
		"uri":      p.URI,
		"mimeType": "application/json",
		"text":     doc,
	}}}, nil
}

func (s *Server) handleResourceTemplates(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"resourceTemplates": s.res.Templates()}, nil
}

type subscribeParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleSubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p subscribeParams
	_ = json.Unmarshal(params, &p)
	s.subsMu.Lock()
	s.subs[p.URI] = struct{}{}
	s.subsMu.Unlock()
	return map[string]any{}, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p subscribeParams
	_ = json.Unmarshal(params, &p)
	s.subsMu.Lock()
	delete(s.subs, p.URI)
	s.subsMu.Unlock()
	return map[string]any{}, nil
}

// Subscriptions returns a snapshot of currently subscribed URIs.
func (s *Server) Subscriptions() []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	uris := make([]string, 0, len(s.subs))
	for uri := range s.subs {
		uris = append(uris, uri)
	}
	return uris
}

func (s *Server) handlePromptsList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"prompts": s.prompt.List()}, nil
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Server) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p promptsGetParams
	_ = json.Unmarshal(params, &p)
	return s.prompt.Get(ctx, p.Name, p.Arguments)
}

// handleCompletion is optional per spec §4.H; this gateway has no
// completion provider so it always returns an empty list.
func (s *Server) handleCompletion(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"completion": map[string]any{"values": []string{}}}, nil
}

type setLevelParams struct {
	Level string `json:"level"`
}

func (s *Server) handleSetLevel(ctx context.Context, params json.RawMessage) (any, error) {
	var p setLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed logging/setLevel params", err)
	}
	level, ok := log.ParseLevel(p.Level)
	if !ok {
		return nil, errs.New(errs.InvalidParams, "unknown log level "+p.Level)
	}
	log.SetLevel(level)
	return map[string]any{}, nil
}
