package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loxone-mcp/gateway/pkg/rpc"
)

func newEchoEngine() *rpc.Engine {
	e := rpc.NewEngine()
	e.Register("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{}, nil
	}, nil)
	return e
}

func TestStdioIgnoresBlankLinesAndEchoesOneLinePerRequest(t *testing.T) {
	engine := newEchoEngine()
	in := strings.NewReader("\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n\n")
	var out bytes.Buffer

	s := NewStdio(in, &out)
	err := s.Start(context.Background(), engine)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"id":1`)
}

func TestStdioNotificationProducesNoOutput(t *testing.T) {
	engine := newEchoEngine()
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n")
	var out bytes.Buffer

	s := NewStdio(in, &out)
	require.NoError(t, s.Start(context.Background(), engine))
	assert.Empty(t, out.String())
}

func TestStdioParseErrorEmitsParseErrorWithNullID(t *testing.T) {
	engine := newEchoEngine()
	in := strings.NewReader("not json\n")
	var out bytes.Buffer

	s := NewStdio(in, &out)
	require.NoError(t, s.Start(context.Background(), engine))
	assert.Contains(t, out.String(), `"id":null`)
	assert.Contains(t, out.String(), "-32700")
}
