package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/config"
	"github.com/cctelegram/mcp-bridge/internal/dispatch"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

func newTestServer(t *testing.T, input string) (*Server, *bytes.Buffer) {
	t.Helper()
	reg := dispatch.NewRegistry()
	require.NoError(t, reg.Register("echo", "echoes", "", `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`, func(ctx context.Context, req *dispatch.Request) (any, error) {
		return map[string]any{"echo": req.String("text")}, nil
	}))
	disp := dispatch.New(reg, dispatch.NewAuthenticator(config.AuthConfig{}),
		nil, nil, nil, nil, logging.NewNop())

	s := New(disp, "", time.Second, logging.NewNop())
	out := &bytes.Buffer{}
	s.in = strings.NewReader(input)
	s.out = out
	return s, out
}

func runAndParse(t *testing.T, input string) []Response {
	t.Helper()
	s, out := newTestServer(t, input)
	require.NoError(t, s.Run(context.Background()))

	var responses []Response
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	for sc.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeHandshake(t *testing.T) {
	resps := runAndParse(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "cctelegram-mcp", info["name"])
}

func TestPing(t *testing.T) {
	resps := runAndParse(t, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`+"\n")
	require.Len(t, resps, 1)
	assert.Nil(t, resps[0].Error)
	assert.Equal(t, "p1", resps[0].ID)
}

func TestToolsList(t *testing.T) {
	resps := runAndParse(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	tools := result["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "echo", tool["name"])
	assert.NotNil(t, tool["inputSchema"])
}

func TestToolsCallSuccess(t *testing.T) {
	resps := runAndParse(t,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	assert.Nil(t, result["isError"])
	content := result["content"].([]any)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	assert.Equal(t, "hi", payload["echo"])
}

func TestToolsCallFailureStaysInResult(t *testing.T) {
	resps := runAndParse(t,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	// Tool failures are results with isError, not JSON-RPC errors.
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &env))
	assert.Equal(t, true, env["error"])
	assert.Equal(t, "validation", env["kind"])
	assert.NotEmpty(t, env["correlation_id"])
}

func TestUnknownMethod(t *testing.T) {
	resps := runAndParse(t, `{"jsonrpc":"2.0","id":5,"method":"bogus/thing"}`+"\n")
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeMethodNotFound, resps[0].Error.Code)
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	resps := runAndParse(t,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"+
			`{"jsonrpc":"2.0","method":"some/unknown"}`+"\n")
	assert.Empty(t, resps)
}

func TestParseErrorStillAnswers(t *testing.T) {
	resps := runAndParse(t, `{"jsonrpc":"2.0","id":6,`+"\n")
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeParseError, resps[0].Error.Code)
}

func TestNullIDRejected(t *testing.T) {
	resps := runAndParse(t, `{"jsonrpc":"2.0","id":null,"method":"ping"}`+"\n")
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeInvalidRequest, resps[0].Error.Code)
}

func TestRequestUnmarshalIDTracking(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), &req))
	assert.True(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`), &req))
	assert.False(t, req.IsNotification())
	assert.Equal(t, float64(7), req.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`), &req))
	assert.False(t, req.IsNotification())
	assert.True(t, req.idInvalid)
}
