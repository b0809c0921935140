// Package mcpserver speaks MCP (JSON-RPC 2.0 over stdio, one message per
// line). It owns framing and protocol errors; tool semantics live behind the
// dispatcher, and tool failures travel inside tool results, never as
// JSON-RPC errors.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/buildinfo"
	"github.com/cctelegram/mcp-bridge/internal/dispatch"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// maxMessageSize bounds one stdin line. Large event payloads fit well under
// this; anything bigger is a framing bug on the client side.
const maxMessageSize = 10 * 1024 * 1024

const defaultCallTimeout = 30 * time.Second

// Server runs the stdio loop. One instance per process.
type Server struct {
	disp *dispatch.Dispatcher
	log  *logging.Logger

	// apiKey is the credential this transport presents on every tool call.
	// Stdio has no per-request headers, so the key is process-scoped.
	apiKey      string
	callTimeout time.Duration

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

func New(disp *dispatch.Dispatcher, apiKey string, callTimeout time.Duration, log *logging.Logger) *Server {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Server{
		disp:        disp,
		log:         log.Named("mcp"),
		apiKey:      apiKey,
		callTimeout: callTimeout,
		in:          os.Stdin,
		out:         os.Stdout,
	}
}

// Run reads messages until stdin closes or ctx is canceled. EOF is the
// normal shutdown path: the MCP client hung up.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(context.Background(), "stdio loop stopping")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return err
					}
				default:
				}
				s.log.Info(context.Background(), "stdin closed")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			s.handle(ctx, line)
		}
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(&Response{JSONRPC: "2.0", ID: extractID(line),
			Error: &ErrorPayload{Code: codeParseError, Message: "parse error: " + err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.idInvalid {
		if !req.IsNotification() {
			s.reply(&Response{JSONRPC: "2.0", ID: req.ID,
				Error: &ErrorPayload{Code: codeInvalidRequest, Message: "invalid request"}})
		}
		return
	}

	switch req.Method {
	case "initialize":
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "cctelegram-mcp",
				"version": buildinfo.Version,
			},
		}})
	case "notifications/initialized", "notifications/cancelled":
		// Acknowledged silently.
	case "ping":
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
	case "tools/list":
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"tools": s.disp.Tools(),
		}})
	case "tools/call":
		s.handleToolCall(ctx, &req)
	default:
		if req.IsNotification() {
			return
		}
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID,
			Error: &ErrorPayload{Code: codeMethodNotFound, Message: "method not found: " + req.Method}})
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *Request) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID,
			Error: &ErrorPayload{Code: codeInvalidParams, Message: "tools/call requires params.name"}})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	result, corrID, terr := s.disp.Call(callCtx, params.Name, params.Arguments, s.apiKey)
	if terr != nil {
		payload, err := json.Marshal(terr.Envelope(corrID))
		if err != nil {
			payload = []byte(`{"error":true,"kind":"internal","message":"failed to render error"}`)
		}
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID, Result: toolResult{
			Content: []toolContent{{Type: "text", Text: string(payload)}},
			IsError: true,
		}})
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.log.Error(ctx, "render tool result", zap.String("tool", params.Name), zap.Error(err))
		s.reply(&Response{JSONRPC: "2.0", ID: req.ID,
			Error: &ErrorPayload{Code: codeInternalError, Message: "failed to render result"}})
		return
	}
	s.reply(&Response{JSONRPC: "2.0", ID: req.ID, Result: toolResult{
		Content: []toolContent{{Type: "text", Text: string(payload)}},
	}})
}

// reply writes one response line. The mutex keeps concurrent tool results
// from interleaving.
func (s *Server) reply(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error(context.Background(), "marshal response", zap.Error(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
	if f, ok := s.out.(*os.File); ok {
		f.Sync()
	}
}

// extractID salvages an id from a line that failed to parse so the error
// response can still be matched by the client.
func extractID(line []byte) any {
	var partial map[string]any
	if json.Unmarshal(line, &partial) == nil {
		if id, ok := partial["id"]; ok && id != nil {
			return id
		}
	}
	return "error"
}
