package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/loxone-mcp/gateway/pkg/log"
)

// Stdio is the stdio transport from spec §4.M: line-delimited JSON-RPC,
// single request in flight at a time, strict response ordering.
type Stdio struct {
	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	stopped chan struct{}
}

func NewStdio(in io.Reader, out io.Writer) *Stdio {
	return &Stdio{in: in, out: out, stopped: make(chan struct{})}
}

// Start reads lines from in until EOF or ctx cancellation, dispatching
// each non-blank line through handler and writing exactly one response
// line per request, flushing after each write.
func (s *Stdio) Start(ctx context.Context, handler MessageHandler) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(s.out)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp := handler.HandleMessage(ctx, []byte(line))
		if resp == nil {
			continue // notification: no response per spec §4.G/§4.M
		}

		encoded, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("stdio transport: marshaling response: %v", err)
			continue
		}
		if _, err := writer.Write(encoded); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	close(s.stopped)
	return scanner.Err()
}

func (s *Stdio) Stop(ctx context.Context) error {
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}
