package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/loxone/auth"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
)

// WebSocketBackend talks to the Miniserver over its persistent
// WebSocket control channel. The Miniserver answers each request it
// receives in order on the same socket, so one in-flight request is
// served at a time; request holds mu across the write and its reply so
// concurrent callers never race each other's replies.
type WebSocketBackend struct {
	dialer  *websocket.Dialer
	wsURL   *url.URL
	machine *auth.Machine

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	pingInterval time.Duration
	stopPing     chan struct{}
}

// WebSocketConfig configures a WebSocketBackend.
type WebSocketConfig struct {
	BaseURL      string // e.g. "ws://192.168.1.10/ws"
	HandshakeTO  time.Duration
	PingInterval time.Duration
}

func NewWebSocketBackend(cfg WebSocketConfig, machine *auth.Machine) (*WebSocketBackend, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "invalid Miniserver WebSocket URL", err)
	}
	handshakeTO := cfg.HandshakeTO
	if handshakeTO <= 0 {
		handshakeTO = 10 * time.Second
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &WebSocketBackend{
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTO},
		wsURL:        u,
		machine:      machine,
		pingInterval: ping,
	}, nil
}

func (b *WebSocketBackend) Connect(ctx context.Context) error {
	if err := b.machine.Connect(ctx); err != nil {
		return err
	}

	header := http.Header{}
	if err := b.machine.AuthorizeRequest(ctx, header); err != nil {
		return err
	}

	conn, resp, err := b.dialer.DialContext(ctx, b.wsURL.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errs.New(errs.Unauthorized, "WebSocket handshake rejected by Miniserver")
		}
		return errs.Wrap(errs.NetworkUnreachable, "WebSocket dial failed", err)
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.stopPing = make(chan struct{})
	b.mu.Unlock()

	b.connected.Store(true)
	go b.keepAlive(b.stopPing)
	return nil
}

func (b *WebSocketBackend) keepAlive(stop chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			conn := b.conn
			b.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				b.connected.Store(false)
				return
			}
		}
	}
}

func (b *WebSocketBackend) IsConnected() bool {
	return b.connected.Load()
}

func (b *WebSocketBackend) Unauthorized(ctx context.Context) error {
	if err := b.machine.Unauthorized(ctx); err != nil {
		return err
	}
	return b.Connect(ctx)
}

// request sends a text frame and reads the single matching response,
// serialized under mu since the Miniserver replies on the same
// connection in request order.
func (b *WebSocketBackend) request(ctx context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil, errs.New(errs.NetworkUnreachable, "WebSocket backend not connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(deadline)
		_ = b.conn.SetReadDeadline(deadline)
	}

	if err := b.conn.WriteMessage(websocket.TextMessage, []byte(path)); err != nil {
		b.connected.Store(false)
		return nil, errs.Wrap(errs.NetworkUnreachable, "WebSocket write failed", err)
	}

	_, message, err := b.conn.ReadMessage()
	if err != nil {
		b.connected.Store(false)
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, "WebSocket read cancelled", ctx.Err())
		}
		return nil, errs.Wrap(errs.NetworkUnreachable, "WebSocket read failed", err)
	}
	return message, nil
}

func (b *WebSocketBackend) GetStructure(ctx context.Context) (codec.Structure, error) {
	body, err := b.request(ctx, "data/LoxAPP3.json")
	if err != nil {
		return codec.Structure{}, err
	}
	return codec.ParseStructure(body)
}

func (b *WebSocketBackend) SendCommand(ctx context.Context, uuid, cmd string) (codec.Response, error) {
	body, err := b.request(ctx, codec.EncodeIO(uuid, cmd))
	if err != nil {
		return codec.Response{}, err
	}
	resp, err := codec.ParseResponse(body)
	if err != nil {
		return codec.Response{}, err
	}
	if resp.Code == http.StatusUnauthorized || resp.Code == http.StatusForbidden {
		return codec.Response{}, errs.New(errs.Unauthorized, "command rejected by Miniserver")
	}
	return resp, nil
}

func (b *WebSocketBackend) GetSystemInfo(ctx context.Context) (json.RawMessage, error) {
	body, err := b.request(ctx, "jdev/cfg/api")
	if err != nil {
		return nil, err
	}
	resp, err := codec.ParseResponse(body)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Close tears down the underlying connection and stops the keepalive
// goroutine.
func (b *WebSocketBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected.Store(false)
	if b.stopPing != nil {
		close(b.stopPing)
		b.stopPing = nil
	}
	if b.conn == nil {
		return nil
	}
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := b.conn.Close()
	b.conn = nil
	return err
}

// isCloseError reports whether err signals a normal WebSocket
// shutdown, so reconnect logic can distinguish it from real failures.
func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
